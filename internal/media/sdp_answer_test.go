package media

import "testing"

func TestBuildAnswerSDPRoundTrips(t *testing.T) {
	codecs := []Codec{
		{PayloadType: 0, Name: "PCMU", ClockRate: 8000},
		{PayloadType: 8, Name: "PCMA", ClockRate: 8000},
		{PayloadType: 101, Name: "telephone-event", ClockRate: 8000, Fmtp: "0-15"},
	}

	body := BuildAnswerSDP("12345", "192.168.1.5", 10000, codecs)

	sd, err := ParseSDP(body)
	if err != nil {
		t.Fatalf("answer does not parse: %v", err)
	}

	audio := sd.AudioMedia()
	if audio == nil {
		t.Fatal("answer has no audio media")
	}
	if audio.Port != 10000 {
		t.Errorf("audio port = %d, want 10000", audio.Port)
	}
	if sd.ConnectionAddress(audio) != "192.168.1.5" {
		t.Errorf("connection address = %q, want 192.168.1.5", sd.ConnectionAddress(audio))
	}

	wantFormats := []int{0, 8, 101}
	if len(audio.Formats) != len(wantFormats) {
		t.Fatalf("formats = %v, want %v", audio.Formats, wantFormats)
	}
	for i, f := range wantFormats {
		if audio.Formats[i] != f {
			t.Errorf("formats[%d] = %d, want %d", i, audio.Formats[i], f)
		}
	}

	te := audio.CodecByName("telephone-event")
	if te == nil {
		t.Fatal("telephone-event missing from answer")
	}
	if te.Fmtp != "0-15" {
		t.Errorf("telephone-event fmtp = %q, want 0-15", te.Fmtp)
	}
}

func TestBuildAnswerSDPIPv6(t *testing.T) {
	body := BuildAnswerSDP("1", "2001:db8::1", 12000, []Codec{{PayloadType: 0, Name: "PCMU", ClockRate: 8000}})
	sd, err := ParseSDP(body)
	if err != nil {
		t.Fatalf("answer does not parse: %v", err)
	}
	if sd.Connection == nil || sd.Connection.AddrType != "IP6" {
		t.Error("IPv6 answer must carry an IP6 connection line")
	}
}
