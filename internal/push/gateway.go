// Package push delivers advisory OS-level notifications.
//
// A Gateway owns the permission state of each identity and two delivery
// channels: a background channel (web push through the service worker) and
// a foreground channel (messages to the identity's open tabs). Delivery is
// best effort. Gateway.Send never returns an error and never panics.
package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrUnavailable is returned by a Channel that cannot reach the identity at all.
var ErrUnavailable = errors.New("push channel unavailable")

// Permission is an identity's answer to the notification permission prompt.
type Permission string

const (
	PermissionGranted     Permission = "granted"
	PermissionDenied      Permission = "denied"
	PermissionDefault     Permission = "default"
	PermissionUnsupported Permission = "unsupported"
)

// Storable reports whether p is an answer that can be persisted.
func (p Permission) Storable() bool {
	return p == PermissionGranted || p == PermissionDenied || p == PermissionDefault
}

const (
	DefaultIcon = "/pwa-192x192.png"
	DefaultDir  = "ltr"
	DefaultLang = "en"
)

// Options are the platform options of a notification. Zero fields get the
// package defaults.
type Options struct {
	Body  string
	Tag   string
	URL   string
	Icon  string
	Badge string
	Dir   string
	Lang  string
}

// Notification is the payload handed to a Channel, and the JSON the service
// worker and the foreground client render.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Tag   string `json:"tag,omitempty"`
	URL   string `json:"url,omitempty"`
	Icon  string `json:"icon,omitempty"`
	Badge string `json:"badge,omitempty"`
	Dir   string `json:"dir,omitempty"`
	Lang  string `json:"lang,omitempty"`
}

func newNotification(title string, o Options) Notification {
	n := Notification{
		Title: title,
		Body:  o.Body,
		Tag:   o.Tag,
		URL:   o.URL,
		Icon:  o.Icon,
		Badge: o.Badge,
		Dir:   o.Dir,
		Lang:  o.Lang,
	}
	if n.Icon == "" {
		n.Icon = DefaultIcon
	}
	if n.Badge == "" {
		n.Badge = DefaultIcon
	}
	if n.Dir == "" {
		n.Dir = DefaultDir
	}
	if n.Lang == "" {
		n.Lang = DefaultLang
	}
	return n
}

// Channel delivers a notification to one identity.
type Channel interface {
	Deliver(ctx context.Context, userID string, n Notification) error
}

// PermissionStore persists permission answers per identity. An identity that
// was never prompted has status "".
type PermissionStore interface {
	GetPermission(ctx context.Context, userID string) (string, error)
	SetPermission(ctx context.Context, userID, status string) error
}

// Prompter asks the identity for permission. Over HTTP it carries the answer
// the browser gave to a user-gesture-bound prompt.
type Prompter interface {
	Prompt(ctx context.Context, userID string) (Permission, error)
}

// PromptFunc adapts a function to Prompter.
type PromptFunc func(ctx context.Context, userID string) (Permission, error)

func (f PromptFunc) Prompt(ctx context.Context, userID string) (Permission, error) {
	return f(ctx, userID)
}

// Answer is a Prompter that returns a fixed answer.
func Answer(p Permission) Prompter {
	return PromptFunc(func(context.Context, string) (Permission, error) { return p, nil })
}

type Gateway struct {
	perms      PermissionStore
	background Channel
	foreground Channel
	logger     *slog.Logger
}

// NewGateway builds a Gateway. Either channel may be nil. With both nil the
// host does not support notifications.
func NewGateway(perms PermissionStore, background, foreground Channel, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		perms:      perms,
		background: background,
		foreground: foreground,
		logger:     logger.With("component", "push_gateway"),
	}
}

// IsSupported reports whether any delivery channel is configured.
func (g *Gateway) IsSupported() bool {
	return g.background != nil || g.foreground != nil
}

// Permission returns userID's current permission.
func (g *Gateway) Permission(ctx context.Context, userID string) Permission {
	if !g.IsSupported() {
		return PermissionUnsupported
	}
	if g.perms == nil {
		return PermissionDefault
	}
	status, err := g.perms.GetPermission(ctx, userID)
	if err != nil {
		g.logger.Warn("read push permission", "user", userID, "error", err)
		return PermissionDefault
	}
	p := Permission(status)
	if !p.Storable() {
		return PermissionDefault
	}
	return p
}

// RequestPermission prompts userID and stores the answer. An unsupported host
// resolves to PermissionUnsupported without prompting. A failed prompt or an
// unusable answer leaves the stored permission as it was.
func (g *Gateway) RequestPermission(ctx context.Context, userID string, prompter Prompter) Permission {
	if !g.IsSupported() {
		return PermissionUnsupported
	}
	current := g.Permission(ctx, userID)
	if prompter == nil {
		return current
	}

	answer, err := prompter.Prompt(ctx, userID)
	if err != nil {
		g.logger.Debug("permission prompt failed", "user", userID, "error", err)
		return current
	}
	if !answer.Storable() {
		return current
	}
	if g.perms != nil {
		if err := g.perms.SetPermission(ctx, userID, string(answer)); err != nil {
			g.logger.Warn("store push permission", "user", userID, "error", err)
		}
	}
	return answer
}

// Send delivers an advisory notification to userID. It does nothing unless
// the host is supported and userID granted permission. The background channel
// is tried first and the foreground channel is the fallback. Notifications
// sharing a Tag may collapse into one on the device.
func (g *Gateway) Send(ctx context.Context, userID, title string, opts Options) {
	if !g.IsSupported() || g.Permission(ctx, userID) != PermissionGranted {
		return
	}
	n := newNotification(title, opts)

	if g.background != nil {
		err := deliver(ctx, g.background, userID, n)
		if err == nil {
			return
		}
		if !errors.Is(err, ErrUnavailable) {
			g.logger.Debug("background push failed, falling back", "user", userID, "tag", n.Tag, "error", err)
		}
	}

	if g.foreground != nil {
		if err := deliver(ctx, g.foreground, userID, n); err != nil && !errors.Is(err, ErrUnavailable) {
			g.logger.Debug("foreground push failed", "user", userID, "tag", n.Tag, "error", err)
		}
	}
}

func deliver(ctx context.Context, c Channel, userID string, n Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("push channel panic: %v", r)
		}
	}()
	return c.Deliver(ctx, userID, n)
}
