package builder

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/nodewarden/nodewarden/pkg/types"
)

// ConfigError means the snapshot references something that does not exist
// (a TLS certificate, a malformed inbound). Config errors are reported to
// the caller and never retried; retrying cannot fix bad inputs.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config build error: %s", e.Reason)
}

// Build turns a persistence snapshot into the configuration document for
// one node. It is deterministic: identical snapshots produce byte-identical
// documents, so fingerprint comparison is meaningful. Inbounds are ordered
// by tag and clients by username. Users whose status is not active/on_hold
// are filtered out. A snapshot with zero eligible inbounds yields a minimal
// valid document so a node can start idle.
func Build(snapshot *types.Snapshot, view *types.NodeView) (*types.EngineConfig, error) {
	certs := make(map[string]*types.TLSCertificate, len(snapshot.Certificates))
	for _, c := range snapshot.Certificates {
		certs[c.Name] = c
	}

	excluded := make(map[string]bool)
	if view != nil {
		for _, tag := range view.ExcludedInbounds {
			excluded[tag] = true
		}
	}

	inbounds := make([]types.ConfigInbound, 0, len(snapshot.Inbounds))
	for _, tpl := range snapshot.Inbounds {
		if excluded[tpl.Tag] {
			continue
		}
		if tpl.Tag == "" || tpl.Port <= 0 || tpl.Port > 65535 {
			return nil, &ConfigError{Reason: fmt.Sprintf("inbound %q has invalid tag or port %d", tpl.Tag, tpl.Port)}
		}

		ib := types.ConfigInbound{
			Tag:      tpl.Tag,
			Protocol: tpl.Protocol,
			Listen:   tpl.Listen,
			Port:     tpl.Port,
			Network:  tpl.Network,
			Path:     tpl.Path,
			Clients:  buildClients(snapshot.Users, tpl),
		}

		if tpl.TLSCert != "" {
			cert, ok := certs[tpl.TLSCert]
			if !ok {
				return nil, &ConfigError{Reason: fmt.Sprintf("inbound %q references missing TLS certificate %q", tpl.Tag, tpl.TLSCert)}
			}
			ib.TLS = &types.ConfigTLS{CertPEM: cert.CertPEM, KeyPEM: cert.KeyPEM}
		}

		inbounds = append(inbounds, ib)
	}

	sort.Slice(inbounds, func(i, j int) bool { return inbounds[i].Tag < inbounds[j].Tag })

	return &types.EngineConfig{
		Revision: snapshot.Revision,
		Inbounds: inbounds,
	}, nil
}

// buildClients renders the credentials of every eligible user that may use
// the given inbound, ordered by username
func buildClients(users []*types.User, tpl *types.InboundTemplate) []types.ConfigClient {
	clients := make([]types.ConfigClient, 0, len(users))
	for _, u := range users {
		if !u.Status.Eligible() {
			continue
		}
		if !userAllowsInbound(u, tpl.Tag) {
			continue
		}
		cred, ok := credentialFor(u, tpl.Protocol)
		if !ok {
			continue
		}
		clients = append(clients, types.ConfigClient{
			Username: u.Username,
			UUID:     cred.UUID,
			Password: cred.Password,
			Flow:     cred.Flow,
			Method:   cred.Method,
		})
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].Username < clients[j].Username })
	return clients
}

// userAllowsInbound checks the user's inbound allow-list; an empty list
// means every inbound
func userAllowsInbound(u *types.User, tag string) bool {
	if len(u.InboundTags) == 0 {
		return true
	}
	for _, t := range u.InboundTags {
		if t == tag {
			return true
		}
	}
	return false
}

// credentialFor finds the user's credential for the given protocol
func credentialFor(u *types.User, proto types.Protocol) (types.ProxyCredential, bool) {
	for _, c := range u.Credentials {
		if c.Protocol == proto {
			return c, true
		}
	}
	return types.ProxyCredential{}, false
}

// Fingerprint returns the content hash of a configuration document. The
// document's slices are canonically ordered by Build, so the hash is stable
// across processes.
func Fingerprint(cfg *types.EngineConfig) string {
	data, err := json.Marshal(cfg)
	if err != nil {
		// EngineConfig contains only marshalable fields; this cannot fail
		// for documents produced by Build.
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
