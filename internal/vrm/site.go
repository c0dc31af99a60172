package vrm

import "context"

// Site is a handle to one VRM installation, bound to the session that
// enumerated it.
type Site struct {
	session *Session
	id      int64
}

// ID returns the VRM site ID.
func (s *Site) ID() int64 {
	return s.id
}

// Devices fetches the site's diagnostics and flattens them into
// per-device field maps keyed by device key.
func (s *Site) Devices(ctx context.Context) (DeviceSnapshot, error) {
	records, err := s.session.client.Diagnostics(ctx, s.session.Authorization(), s.id)
	if err != nil {
		return nil, err
	}
	return FlattenDiagnostics(records), nil
}
