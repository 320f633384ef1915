package sip

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/flowpbx/flowpbx-core/internal/directory"
)

// RouteKind classifies a dialed destination by the ordered dialplan
// rules.
type RouteKind string

const (
	// RouteKindVoicemailAccess is `*<extension>` — the caller wants to
	// check the named mailbox rather than ring a phone.
	RouteKindVoicemailAccess RouteKind = "voicemail-access"

	// RouteKindEmergency is 911 or 9911. Out of scope as a routing
	// target; the router only classifies it so the SIP layer can
	// surface it to an external collaborator if one is configured.
	RouteKindEmergency RouteKind = "emergency"

	// RouteKindAutoAttendant is the single digit "0".
	RouteKindAutoAttendant RouteKind = "auto-attendant"

	// RouteKindParking is `7<digit>` — a call-parking slot.
	RouteKindParking RouteKind = "parking"

	// RouteKindQueue is `8<3 digits>` — a call queue.
	RouteKindQueue RouteKind = "queue"

	// RouteKindInternal matches the configured internal extension
	// pattern (default `^\d{4}$`).
	RouteKindInternal RouteKind = "internal"
)

// dialplan rule patterns, evaluated in a fixed order (most specific
// first). internalPattern is the one rule driven by configuration; the
// rest are fixed syntax of this dialplan.
var (
	voicemailAccessPattern = regexp.MustCompile(`^\*(\d+)$`)
	emergencyPattern       = regexp.MustCompile(`^(911|9911)$`)
	autoAttendantPattern   = regexp.MustCompile(`^0$`)
	parkingPattern         = regexp.MustCompile(`^7\d$`)
	queuePattern           = regexp.MustCompile(`^8\d{3}$`)
)

// Classification is the outcome of classifying a dialed destination.
type Classification struct {
	Kind RouteKind

	// Destination is the original dialed user-part.
	Destination string

	// MailboxExtension is set for RouteKindVoicemailAccess: the
	// extension whose mailbox the caller wants to check.
	MailboxExtension string
}

// Classify applies the ordered dialplan rules to a dialed
// destination (the Request-URI user-part), returning the matched
// RouteKind. internalPattern is the configured regex for internal
// extension numbers (config.Config.InternalPattern). Returns
// ErrRouteNotFound if no rule matches.
func Classify(destination, internalPattern string) (*Classification, error) {
	if m := voicemailAccessPattern.FindStringSubmatch(destination); m != nil {
		return &Classification{
			Kind:             RouteKindVoicemailAccess,
			Destination:      destination,
			MailboxExtension: m[1],
		}, nil
	}

	if emergencyPattern.MatchString(destination) {
		return &Classification{Kind: RouteKindEmergency, Destination: destination}, nil
	}

	if autoAttendantPattern.MatchString(destination) {
		return &Classification{Kind: RouteKindAutoAttendant, Destination: destination}, nil
	}

	if parkingPattern.MatchString(destination) {
		return &Classification{Kind: RouteKindParking, Destination: destination}, nil
	}

	if queuePattern.MatchString(destination) {
		return &Classification{Kind: RouteKindQueue, Destination: destination}, nil
	}

	internal, err := regexp.Compile(internalPattern)
	if err != nil {
		return nil, fmt.Errorf("compiling internal-pattern %q: %w", internalPattern, err)
	}
	if internal.MatchString(destination) {
		return &Classification{Kind: RouteKindInternal, Destination: destination}, nil
	}

	return nil, ErrRouteNotFound
}

// RouteResult describes where an internal call should be sent.
type RouteResult struct {
	// TargetExtension is the extension being called.
	TargetExtension *directory.Extension

	// Contact is the target's active registration, if any.
	Contact *directory.Registration
}

// CallRouter resolves internal call targets using the extension registry.
type CallRouter struct {
	extensions directory.ExtensionRegistry
	logger     *slog.Logger
}

// NewCallRouter creates a new CallRouter.
func NewCallRouter(extensions directory.ExtensionRegistry, logger *slog.Logger) *CallRouter {
	return &CallRouter{
		extensions: extensions,
		logger:     logger.With("subsystem", "router"),
	}
}

// RouteInternalCall resolves an internal (extension-to-extension) call:
// looks up the target extension and its single active registration.
//
// Returns an error with SIP-appropriate semantics:
//   - ErrDND (486): target extension has Do Not Disturb enabled
//   - ErrNoRegistrations: target has no active registration (the INVITE
//     handler diverts the call to voicemail)
//   - ErrExtensionNotFound (404): target extension does not exist
func (r *CallRouter) RouteInternalCall(ctx context.Context, callerIDNum, targetNumber string) (*RouteResult, error) {
	ext, err := r.extensions.Lookup(ctx, targetNumber)
	if err != nil {
		return nil, fmt.Errorf("looking up extension %s: %w", targetNumber, err)
	}
	if ext == nil {
		return nil, ErrExtensionNotFound
	}

	r.logger.Debug("routing internal call",
		"caller", callerIDNum,
		"target", ext.Number,
	)

	if ext.DND {
		r.logger.Info("target extension has dnd enabled", "extension", ext.Number)
		return nil, ErrDND
	}

	reg, err := r.extensions.Binding(ctx, ext.Number)
	if err != nil {
		return nil, fmt.Errorf("looking up binding for extension %s: %w", ext.Number, err)
	}
	if reg == nil {
		r.logger.Info("no active registration for target extension", "extension", ext.Number)
		return nil, ErrNoRegistrations
	}

	r.logger.Info("internal call routed", "caller", callerIDNum, "target", ext.Number)

	return &RouteResult{TargetExtension: ext, Contact: reg}, nil
}

// Routing errors with SIP-semantic meaning. Callers map these to the
// appropriate SIP response code.
var (
	ErrExtensionNotFound = fmt.Errorf("extension not found")
	ErrDND               = fmt.Errorf("do not disturb enabled")
	ErrNoRegistrations   = fmt.Errorf("no active registrations")
	ErrRouteNotFound     = fmt.Errorf("no dialplan rule matched destination")
)
