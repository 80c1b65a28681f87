package altsvc

import (
	"crypto/tls"
	"net/http"

	"golang.org/x/exp/slog"
)

// Processor applies the call-site rules for Alt-Svc advertisements and installs the
// parsed services in a Registry. Rejected advertisements are only traced at debug level.
type Processor struct {
	Registry *Registry

	// AllowLocalhost accepts advertisements received without SNI when the origin is a
	// loopback or localhost name.
	AllowLocalhost bool

	Logger *slog.Logger
}

// NewProcessor returns a processor installing into reg.
func NewProcessor(reg *Registry) *Processor {
	return &Processor{
		Registry: reg,
		Logger:   slog.Default().With("component", "altsvc"),
	}
}

// ProcessHeader handles an Alt-Svc response header received for a request to origin.
// cs is the TLS state of the connection that carried the response, nil if none.
// It returns the services installed, nil if the advertisement was ignored or was "clear".
func (p *Processor) ProcessHeader(origin Origin, status int, cs *tls.ConnectionState, field string) []*AltService {
	if status == http.StatusMisdirectedRequest {
		p.Logger.Debug("altsvc ignored on 421", "origin", origin.String())
		return nil
	}
	return p.process(origin, cs, field)
}

// ProcessFrame handles an ALTSVC frame value. On stream 0 (or the HTTP/3 control stream)
// the frame must carry the origin; on a request stream it must not, and reqOrigin is used.
// Violations are ignored, they are not connection errors.
func (p *Processor) ProcessFrame(streamID uint64, frameOrigin string, reqOrigin *Origin,
	cs *tls.ConnectionState, field string) []*AltService {
	var origin Origin
	if streamID == 0 {
		if frameOrigin == "" {
			p.Logger.Debug("altsvc frame on stream 0 without origin")
			return nil
		}
		o, err := ParseOrigin(frameOrigin)
		if err != nil {
			p.Logger.Debug("altsvc frame bad origin", "origin", frameOrigin, "err", err)
			return nil
		}
		origin = o
	} else {
		if frameOrigin != "" || reqOrigin == nil {
			p.Logger.Debug("altsvc frame with origin on request stream", "stream", streamID)
			return nil
		}
		origin = *reqOrigin
	}
	return p.process(origin, cs, field)
}

func (p *Processor) process(origin Origin, cs *tls.ConnectionState, field string) []*AltService {
	if !origin.IsSecure() {
		p.Logger.Debug("altsvc ignored for insecure origin", "origin", origin.String())
		return nil
	}
	if cs == nil || cs.ServerName == "" {
		if !p.AllowLocalhost || !origin.IsLocalhost() {
			p.Logger.Debug("altsvc ignored, no SNI", "origin", origin.String())
			return nil
		}
	}

	vals, clear, err := ParseHeader(field)
	if err != nil {
		p.Logger.Debug("altsvc skipped values", "origin", origin.String(), "err", err)
	}
	if clear {
		p.Registry.Clear(origin)
		return nil
	}

	now := p.Registry.Clock()
	svcs := make([]*AltService, 0, len(vals))
	for _, v := range vals {
		s, err := New(Identity{ALPN: v.ALPN, Host: v.Host, Port: v.Port}, origin,
			now.Add(v.MaxAge), v.Persist, true)
		if err != nil {
			p.Logger.Debug("altsvc skip", "origin", origin.String(), "err", err)
			continue
		}
		svcs = append(svcs, s)
	}
	if len(svcs) == 0 {
		return nil
	}
	p.Registry.Replace(origin, svcs)
	return svcs
}
