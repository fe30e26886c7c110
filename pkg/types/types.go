package types

import (
	"time"
)

// Node represents a registered host running one proxy engine instance.
// The local engine is a node like any other.
type Node struct {
	ID               string
	Name             string
	Address          string // Host IP address or DNS name
	APIPort          int    // Engine control-API port
	CertFingerprint  string // Expected TLS fingerprint of the control endpoint
	UsageCoefficient float64
	Enabled          bool
	Status           NodeStatus
	Message          string // Human-readable status detail (last error, etc.)
	LastHealthCheck  time.Time
	CreatedAt        time.Time
}

// NodeStatus represents the current state of a node
type NodeStatus string

const (
	NodeStatusPending      NodeStatus = "pending"
	NodeStatusConnecting   NodeStatus = "connecting"
	NodeStatusConnected    NodeStatus = "connected"
	NodeStatusDisconnected NodeStatus = "disconnected"
	NodeStatusError        NodeStatus = "error"
	NodeStatusDisabled     NodeStatus = "disabled"
)

// UserStatus represents the lifecycle state of a platform user
type UserStatus string

const (
	UserStatusActive   UserStatus = "active"
	UserStatusOnHold   UserStatus = "on_hold"
	UserStatusLimited  UserStatus = "limited"
	UserStatusExpired  UserStatus = "expired"
	UserStatusDisabled UserStatus = "disabled"
)

// Eligible reports whether a user in this status should have credentials
// present on engine inbounds.
func (s UserStatus) Eligible() bool {
	return s == UserStatusActive || s == UserStatusOnHold
}

// Protocol identifies a proxy protocol supported by the managed engine
type Protocol string

const (
	ProtocolVMess       Protocol = "vmess"
	ProtocolVLESS       Protocol = "vless"
	ProtocolTrojan      Protocol = "trojan"
	ProtocolShadowsocks Protocol = "shadowsocks"
)

// ProxyCredential is one protocol credential belonging to a user
type ProxyCredential struct {
	Protocol Protocol
	UUID     string // vmess/vless
	Password string // trojan/shadowsocks
	Flow     string // vless flow control, optional
	Method   string // shadowsocks cipher, optional
}

// User is the snapshot view of a platform user as the control plane sees it
type User struct {
	ID          int64
	Username    string
	Status      UserStatus
	Credentials []ProxyCredential
	InboundTags []string // Inbound tags this user may use; empty means all
	DataLimit   int64    // Bytes; 0 means unlimited
	UsedTraffic int64    // Bytes consumed in the current epoch
	DataEpoch   int64    // Identifier of the current quota window; changes on reset
	ExpireAt    time.Time
}

// InboundTemplate is a structural fragment describing one listening
// endpoint within the engine configuration document
type InboundTemplate struct {
	Tag      string
	Protocol Protocol
	Listen   string
	Port     int
	TLSCert  string // Name of the TLSCertificate securing this inbound; empty for none
	Network  string // "tcp", "ws", "grpc"
	Path     string // Transport path for ws/grpc
}

// TLSCertificate is a named certificate referenced by inbounds
type TLSCertificate struct {
	Name        string
	CertPEM     string
	KeyPEM      string
	Fingerprint string
}

// Snapshot is a point-in-time read of persisted intent: everything the
// control plane needs to build an engine configuration
type Snapshot struct {
	Revision     uint64
	Users        []*User
	Inbounds     []*InboundTemplate
	Certificates []*TLSCertificate
	TakenAt      time.Time
}

// NodeView carries per-node overrides applied when building that node's
// configuration document
type NodeView struct {
	NodeID           string
	ExcludedInbounds []string // Inbound tags not deployed on this node
}

// EngineConfig is the configuration document pushed to an engine.
// Slice ordering is canonical so that equal snapshots serialize to
// byte-identical JSON.
type EngineConfig struct {
	Revision uint64          `json:"revision"`
	Inbounds []ConfigInbound `json:"inbounds"`
}

// ConfigInbound is one rendered inbound with its eligible clients
type ConfigInbound struct {
	Tag      string         `json:"tag"`
	Protocol Protocol       `json:"protocol"`
	Listen   string         `json:"listen"`
	Port     int            `json:"port"`
	Network  string         `json:"network,omitempty"`
	Path     string         `json:"path,omitempty"`
	TLS      *ConfigTLS     `json:"tls,omitempty"`
	Clients  []ConfigClient `json:"clients"`
}

// ConfigTLS is the rendered TLS material for an inbound
type ConfigTLS struct {
	CertPEM string `json:"cert"`
	KeyPEM  string `json:"key"`
}

// ConfigClient is one user credential rendered into an inbound
type ConfigClient struct {
	Username string `json:"username"`
	UUID     string `json:"uuid,omitempty"`
	Password string `json:"password,omitempty"`
	Flow     string `json:"flow,omitempty"`
	Method   string `json:"method,omitempty"`
}

// UserDelta is an incremental credential change applied to running
// engines without a full document replace
type UserDelta struct {
	Op   DeltaOp
	User *User
}

// DeltaOp defines the kind of incremental change
type DeltaOp string

const (
	DeltaOpAdd    DeltaOp = "add"
	DeltaOpRemove DeltaOp = "remove"
	DeltaOpAlter  DeltaOp = "alter"
)

// UsageCounter tracks accumulated bytes for one (user, node) pair since
// the last reset epoch
type UsageCounter struct {
	Username   string
	NodeID     string
	UplinkB    int64
	DownlinkB  int64
	ResetEpoch int64 // Unix seconds of the epoch start
	UpdatedAt  time.Time
}

// UsageDelta is one accumulated increment awaiting commit. The Observed
// fields carry the raw engine counter values behind the increment; they
// are committed as the poll baseline so a restarted collector resumes
// from the last committed counters instead of re-counting them.
type UsageDelta struct {
	Username          string
	NodeID            string
	UplinkB           int64
	DownlinkB         int64
	ObservedUplinkB   int64
	ObservedDownlinkB int64
}

// TrafficStat is one engine-reported counter sample: bytes since the
// engine's own internal counter started (resets when the engine restarts)
type TrafficStat struct {
	Username  string
	UplinkB   int64
	DownlinkB int64
}

// UsageWindow selects a time range for usage queries
type UsageWindow struct {
	Start time.Time
	End   time.Time
}

// NodeStatusReport is the queryable status surface exposed to the admin layer
type NodeStatusReport struct {
	NodeID          string
	Status          NodeStatus
	Message         string
	LastHealthCheck time.Time
	RestartCount    int
	Fingerprint     string
}
