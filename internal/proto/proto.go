package proto

import "time"

const (
	// Gossip topic on which live peer handles are announced.
	HandleTopic = "goopcall.handles.v1"
	MdnsTag     = "goopcall-mdns"

	// libp2p stream protocol ID used for offer/answer/close of a media call
	MediaProtoID = "/goopcall/media/1.0.0"

	// Document store path prefixes.
	CallsPrefix = "calls/" // + targetUserID, single slot per user
	UsersPrefix = "users/" // + userID, discoverable profile

	// Prefix of every minted peer handle.
	HandlePrefix = "gc-"
)

// Media kinds carried in intents and call metadata.
const (
	KindAudio = "audio"
	KindVideo = "video"
)

// Intent status values.
const (
	StatusRinging = "ringing"
	StatusNone    = "none"
)

// Media stream message types (newline-delimited JSON on MediaProtoID).
const (
	MsgOffer  = "offer"
	MsgAnswer = "answer"
	MsgClose  = "close"
)

// MediaMsg is the wire type exchanged on a media call stream.
type MediaMsg struct {
	Type       string `json:"type"` // offer|answer|close
	CallID     string `json:"call_id"`
	From       string `json:"from"` // sender's peer handle
	To         string `json:"to"`   // receiver's peer handle
	SDP        string `json:"sdp,omitempty"`
	CallerName string `json:"caller_name,omitempty"`
	Kind       string `json:"kind,omitempty"`
	IsCallback bool   `json:"is_callback,omitempty"`
	IntentAt   int64  `json:"intent_at,omitempty"`
}

// HandleAnnounce is published on HandleTopic to map a handle to a libp2p peer.
// A Query asks the holder of Handle to announce itself now.
type HandleAnnounce struct {
	Handle string   `json:"handle"`
	PeerID string   `json:"peerId,omitempty"`
	Addrs  []string `json:"addrs,omitempty"`
	TS     int64    `json:"ts"`
	Query  bool     `json:"query,omitempty"`
}

func CallPath(userID string) string { return CallsPrefix + userID }
func UserPath(userID string) string { return UsersPrefix + userID }

func NowMillis() int64 { return time.Now().UnixMilli() }
