package sip

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/flowpbx/flowpbx-core/internal/directory"
)

const (
	authRealm   = "flowpbx"
	nonceExpiry = 5 * time.Minute
	authAlgoMD5 = "MD5"
)

// Authenticator handles SIP digest authentication against the extension
// registry. REGISTER requests are challenged with 401/WWW-Authenticate,
// every other method with 407/Proxy-Authenticate. It integrates with
// BruteForceGuard to automatically block source IPs that exceed the
// failed authentication threshold (fail2ban-style protection).
type Authenticator struct {
	extensions directory.ExtensionRegistry
	logger     *slog.Logger
	nonces     sync.Map // map[string]time.Time — tracks issued nonces
	guard      *BruteForceGuard
}

// NewAuthenticator creates a SIP digest authenticator backed by the
// extension registry, with brute-force protection from guard.
func NewAuthenticator(extensions directory.ExtensionRegistry, guard *BruteForceGuard, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		extensions: extensions,
		logger:     logger.With("subsystem", "auth"),
		guard:      guard,
	}
}

// challengeHeaders returns the response code, reason, and header names
// used to challenge and verify a request of the given method. REGISTER
// is a UAS challenge (401), everything else a proxy challenge (407).
func challengeHeaders(method sip.RequestMethod) (code int, reason, challengeHeader, credentialsHeader string) {
	if method == sip.REGISTER {
		return 401, "Unauthorized", "WWW-Authenticate", "Authorization"
	}
	return 407, "Proxy Authentication Required", "Proxy-Authenticate", "Proxy-Authorization"
}

// Challenge sends a digest challenge for the request: 401 with
// WWW-Authenticate for REGISTER, 407 with Proxy-Authenticate otherwise.
func (a *Authenticator) Challenge(req *sip.Request, tx sip.ServerTransaction) {
	nonce := a.generateNonce()
	a.nonces.Store(nonce, time.Now())

	chal := digest.Challenge{
		Realm:     authRealm,
		Nonce:     nonce,
		Opaque:    "flowpbx",
		Algorithm: authAlgoMD5,
	}

	code, reason, header, _ := challengeHeaders(req.Method)
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	res.AppendHeader(sip.NewHeader(header, chal.String()))

	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to send auth challenge", "error", err)
	}
}

// Authenticate validates the request's digest credentials against the
// extension registry. Returns the matched extension on success, or nil
// if authentication is pending or failed; in the nil case the
// appropriate SIP response (challenge or rejection) has already been
// sent on tx.
//
// Brute-force protection: if the source IP is blocked by the
// BruteForceGuard, the request is rejected with 403 Forbidden without
// processing credentials. Challenge issuance is rate-limited per source
// so a flood of credential-less requests cannot mint nonces unbounded.
func (a *Authenticator) Authenticate(req *sip.Request, tx sip.ServerTransaction) *directory.Extension {
	source := req.Source()

	if a.guard.IsBlocked(source) {
		a.logger.Warn("sip auth rejected: source blocked by brute-force guard",
			"source", source,
			"method", req.Method,
		)
		a.respondError(req, tx, 403, "Forbidden")
		return nil
	}

	_, _, _, credHeader := challengeHeaders(req.Method)
	h := req.GetHeader(credHeader)
	if h == nil {
		if !a.guard.AllowChallenge(source) {
			a.logger.Debug("auth challenge rate-limited", "source", source)
			a.respondError(req, tx, 403, "Forbidden")
			return nil
		}
		a.Challenge(req, tx)
		return nil
	}

	cred, err := digest.ParseCredentials(h.Value())
	if err != nil {
		a.logger.Warn("failed to parse credentials header",
			"header", credHeader,
			"error", err,
			"source", source,
		)
		a.guard.RecordFailure(source)
		a.respondError(req, tx, 400, "Bad Request")
		return nil
	}

	// Validate nonce to prevent replay attacks.
	nonceTime, ok := a.nonces.Load(cred.Nonce)
	if !ok {
		a.logger.Debug("unknown nonce, re-challenging",
			"username", cred.Username,
			"source", source,
		)
		a.Challenge(req, tx)
		return nil
	}
	if time.Since(nonceTime.(time.Time)) > nonceExpiry {
		a.nonces.Delete(cred.Nonce)
		a.logger.Debug("expired nonce, re-challenging",
			"username", cred.Username,
			"source", source,
		)
		a.Challenge(req, tx)
		return nil
	}

	ext, err := a.extensions.LookupBySIPUsername(context.Background(), cred.Username)
	if err != nil {
		a.logger.Error("failed to look up extension",
			"username", cred.Username,
			"error", err,
		)
		a.respondError(req, tx, 500, "Internal Server Error")
		return nil
	}
	if ext == nil {
		a.logger.Warn("unknown sip username",
			"username", cred.Username,
			"source", source,
		)
		a.guard.RecordFailure(source)
		a.respondError(req, tx, 403, "Forbidden")
		return nil
	}

	if !verifyDigestHA1(ext.SIPPasswordHA1, string(req.Method), cred) {
		a.logger.Warn("digest auth failed",
			"username", cred.Username,
			"source", source,
		)
		a.guard.RecordFailure(source)
		a.Challenge(req, tx)
		return nil
	}

	// Consume the nonce after successful auth.
	a.nonces.Delete(cred.Nonce)
	a.guard.RecordSuccess(source)

	a.logger.Debug("digest auth successful",
		"username", cred.Username,
		"extension", ext.Number,
	)
	return ext
}

// verifyDigestHA1 checks an RFC 2617 digest response against a stored
// HA1 (MD5(username:realm:password), hex). Extensions never store the
// plaintext SIP password, so the response is recomputed from HA1:
//
//	response = MD5(HA1 ":" nonce ":" MD5(method ":" uri))
//
// Only the plain (non-qop) variant is accepted; the phones this module
// targets do not send qop=auth.
func verifyDigestHA1(ha1, method string, cred *digest.Credentials) bool {
	if ha1 == "" || cred == nil {
		return false
	}
	if cred.QOP != "" {
		return false
	}
	ha2 := md5hex(method + ":" + cred.URI)
	expected := md5hex(ha1 + ":" + cred.Nonce + ":" + ha2)
	return expected == cred.Response
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// CleanExpiredNonces removes nonces older than the expiry window and
// runs brute-force guard cleanup to expire old blocks.
func (a *Authenticator) CleanExpiredNonces() {
	now := time.Now()
	a.nonces.Range(func(key, value any) bool {
		if now.Sub(value.(time.Time)) > nonceExpiry {
			a.nonces.Delete(key)
		}
		return true
	})
	a.guard.Cleanup()
}

// BruteForceGuard returns the brute-force guard for visibility
// (listing blocked IPs, manual unblock).
func (a *Authenticator) BruteForceGuard() *BruteForceGuard {
	return a.guard
}

func (a *Authenticator) generateNonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// Fallback to timestamp-based nonce.
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func (a *Authenticator) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to send error response",
			"code", code,
			"error", err,
		)
	}
}
