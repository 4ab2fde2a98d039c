package surface

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/embedpick/picker-server-go/picker"
)

// Package is the host-side record of one renderable surface: the stream
// endpoint a client embeds plus the signed token that authorizes the
// attach. Its wire projection rides in the session open response.
type Package struct {
	ID        string
	SessionID string
	StreamURL string
	Token     string
	DisplayID int
	Width     int
	Height    int
}

// PackageOption configures a minted Package.
type PackageOption func(*Package)

// WithDisplay pins the surface to a specific display.
func WithDisplay(id int) PackageOption {
	return func(p *Package) { p.DisplayID = id }
}

// WithInitialSize records the size the surface is first laid out at.
func WithInitialSize(w, h int) PackageOption {
	return func(p *Package) {
		if w > 0 && h > 0 {
			p.Width, p.Height = w, h
		}
	}
}

// New mints a surface package for a session: a fresh surface ID and an
// attach token bound to it. streamURL is the absolute URL of the hub
// endpoint the client dials.
func New(issuer *Issuer, sessionID, streamURL, callerPackage string, opts ...PackageOption) (Package, error) {
	id := uuid.NewString()
	token, err := issuer.Issue(sessionID, id, callerPackage)
	if err != nil {
		return Package{}, fmt.Errorf("issue surface grant: %w", err)
	}
	p := Package{
		ID:        id,
		SessionID: sessionID,
		StreamURL: strings.TrimRight(streamURL, "/"),
		Token:     token,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&p)
		}
	}
	return p, nil
}

// Info projects the package onto its wire shape.
func (p Package) Info() picker.SurfacePackageInfo {
	return picker.SurfacePackageInfo{
		ID:        p.ID,
		StreamURL: p.StreamURL,
		Token:     p.Token,
		DisplayID: p.DisplayID,
		Width:     p.Width,
		Height:    p.Height,
	}
}
