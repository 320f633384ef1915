package sip

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/flowpbx-core/internal/directory"
)

const (
	defaultExpiry       = 3600  // 1 hour default registration expiry
	minExpiry           = 60    // 1 minute minimum
	maxExpiry           = 86400 // 24 hours maximum
	expiryCleanupPeriod = 30 * time.Second
)

// Registrar handles SIP REGISTER requests — authenticates, installs the
// extension's single contact binding in the registry, and reaps expired
// bindings. A refresh REGISTER replaces the prior binding in place; it
// never accumulates a second one.
type Registrar struct {
	extensions directory.ExtensionRegistry
	auth       *Authenticator
	logger     *slog.Logger
}

// NewRegistrar creates a new REGISTER handler.
func NewRegistrar(extensions directory.ExtensionRegistry, auth *Authenticator, logger *slog.Logger) *Registrar {
	return &Registrar{
		extensions: extensions,
		auth:       auth,
		logger:     logger.With("subsystem", "registrar"),
	}
}

// HandleRegister processes incoming REGISTER requests.
func (r *Registrar) HandleRegister(req *sip.Request, tx sip.ServerTransaction) {
	r.logger.Debug("register request received",
		"from", req.From().Address.User,
		"source", req.Source(),
	)

	// Authenticate the request. Returns nil if auth is pending/failed.
	ext := r.auth.Authenticate(req, tx)
	if ext == nil {
		return
	}

	contact := req.Contact()
	if contact == nil {
		r.logger.Warn("register missing contact header",
			"extension", ext.Number,
			"source", req.Source(),
		)
		r.respondError(req, tx, 400, "Bad Request")
		return
	}

	expiry := r.parseExpiry(req)

	// Un-register: Expires: 0 or Contact: *.
	if expiry == 0 || contact.Address.Wildcard {
		r.handleUnregister(req, tx, ext)
		return
	}

	// Grant the smaller of the requested and maximum expiry, but never
	// less than the minimum (phones that ask for very short refreshes
	// would otherwise hammer the registrar).
	if expiry < minExpiry {
		expiry = minExpiry
	}
	if expiry > maxExpiry {
		expiry = maxExpiry
	}

	// The binding address is the source address of the datagram, not the
	// Contact URI host: phones behind NAT advertise their private
	// address, and responses must go back the way the REGISTER came.
	var sourceIP string
	var sourcePort int
	if addr, err := ParseSourceAddr(req); err == nil {
		sourceIP = addr.IP.String()
		sourcePort = addr.Port
	} else {
		sourceIP = req.Source()
	}

	userAgent := ""
	if ua := req.GetHeader("User-Agent"); ua != nil {
		userAgent = ua.Value()
	}

	reg := directory.Registration{
		Extension:    ext.Number,
		ContactURI:   contact.Address.String(),
		Transport:    r.parseTransport(req),
		UserAgent:    userAgent,
		SourceIP:     sourceIP,
		SourcePort:   sourcePort,
		Expires:      time.Now().Add(time.Duration(expiry) * time.Second),
		RegisteredAt: time.Now(),
	}

	if err := r.extensions.Bind(context.Background(), reg); err != nil {
		r.logger.Error("failed to store registration",
			"extension", ext.Number,
			"error", err,
		)
		r.respondError(req, tx, 500, "Internal Server Error")
		return
	}

	r.logger.Info("extension registered",
		"extension", ext.Number,
		"contact", reg.ContactURI,
		"expires", expiry,
		"source", req.Source(),
	)

	// 200 OK carrying the Contact with the granted expiry.
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(&sip.ContactHeader{
		Address: contact.Address,
	})
	res.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to send register response", "error", err)
	}
}

// handleUnregister removes the extension's binding (Expires: 0) and
// acknowledges with the removed Contact.
func (r *Registrar) handleUnregister(req *sip.Request, tx sip.ServerTransaction, ext *directory.Extension) {
	if err := r.extensions.Unbind(context.Background(), ext.Number); err != nil {
		r.logger.Error("failed to remove registration",
			"extension", ext.Number,
			"error", err,
		)
		r.respondError(req, tx, 500, "Internal Server Error")
		return
	}

	r.logger.Info("registration removed", "extension", ext.Number)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if contact := req.Contact(); contact != nil && !contact.Address.Wildcard {
		res.AppendHeader(&sip.ContactHeader{Address: contact.Address})
	}
	res.AppendHeader(sip.NewHeader("Expires", "0"))
	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to send unregister response", "error", err)
	}
}

// RunExpiryCleanup periodically removes expired bindings and cleans the
// authenticator's nonce table. Blocks until ctx is cancelled.
func (r *Registrar) RunExpiryCleanup(ctx context.Context) {
	ticker := time.NewTicker(expiryCleanupPeriod)
	defer ticker.Stop()

	r.logger.Info("registration expiry cleanup started",
		"interval", expiryCleanupPeriod.String(),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("registration expiry cleanup stopped")
			return
		case <-ticker.C:
			expired, err := r.extensions.ExpireStale(ctx)
			if err != nil {
				r.logger.Error("failed to clean expired registrations", "error", err)
				continue
			}
			if expired > 0 {
				r.logger.Info("expired registrations cleaned", "count", expired)
			}

			r.auth.CleanExpiredNonces()
		}
	}
}

// parseExpiry extracts the registration expiry from the request.
// Checks Contact params first, then Expires header, then uses default.
func (r *Registrar) parseExpiry(req *sip.Request) int {
	if contact := req.Contact(); contact != nil {
		if val, ok := contact.Params.Get("expires"); ok {
			if exp, err := strconv.Atoi(val); err == nil {
				return exp
			}
		}
	}

	if h := req.GetHeader("Expires"); h != nil {
		if exp, err := strconv.Atoi(h.Value()); err == nil {
			return exp
		}
	}

	return defaultExpiry
}

// parseTransport determines the transport protocol from the Via header.
func (r *Registrar) parseTransport(req *sip.Request) string {
	if via := req.Via(); via != nil {
		transport := strings.ToLower(via.Transport)
		if transport != "" {
			return transport
		}
	}
	return "udp"
}

func (r *Registrar) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to send error response",
			"code", code,
			"error", err,
		)
	}
}
