package overlay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/knapsack-vid/knapsack/pkg/types"
)

// Overlay RPCs ride in a single JSON envelope over UDP, correlated by MsgID.
// The four RPCs: PING (liveness + learning), FIND_NODE (routing), and the
// provider-record pair ADD_PROVIDER / GET_PROVIDERS.

type msgType string

const (
	msgPing           msgType = "PING"
	msgPong           msgType = "PONG"
	msgFindNode       msgType = "FIND_NODE"
	msgFindNodeOK     msgType = "FIND_NODE_OK"
	msgAddProvider    msgType = "ADD_PROVIDER"
	msgAddProviderOK  msgType = "ADD_PROVIDER_OK"
	msgGetProviders   msgType = "GET_PROVIDERS"
	msgGetProvidersOK msgType = "GET_PROVIDERS_OK"
)

// isResponse reports whether the message type terminates an in-flight RPC.
func (t msgType) isResponse() bool {
	switch t {
	case msgPong, msgFindNodeOK, msgAddProviderOK, msgGetProvidersOK:
		return true
	}
	return false
}

// wireContact is the serializable form of a Contact. The in-memory distance
// field is never serialized.
type wireContact struct {
	ID           string `json:"id"`
	Addr         string `json:"addr"`
	ExchangeAddr string `json:"exchange_addr,omitempty"`
}

func (w wireContact) toContact() (Contact, error) {
	id, err := types.PeerIDFromHex(w.ID)
	if err != nil {
		return Contact{}, fmt.Errorf("invalid contact id: %w", err)
	}
	return Contact{ID: id, Addr: w.Addr, ExchangeAddr: w.ExchangeAddr}, nil
}

func fromContact(c Contact) wireContact {
	return wireContact{ID: c.ID.String(), Addr: c.Addr, ExchangeAddr: c.ExchangeAddr}
}

// wireProvider is the serializable form of a ProviderRecord.
type wireProvider struct {
	Peer         string `json:"peer"`
	ExchangeAddr string `json:"exchange_addr"`
	AdvertisedAt int64  `json:"advertised_at"`
}

func (w wireProvider) toRecord(content types.Hash) (ProviderRecord, error) {
	peer, err := types.PeerIDFromHex(w.Peer)
	if err != nil {
		return ProviderRecord{}, fmt.Errorf("invalid provider peer id: %w", err)
	}
	return ProviderRecord{
		Content:      content,
		Peer:         peer,
		ExchangeAddr: w.ExchangeAddr,
		AdvertisedAt: time.Unix(w.AdvertisedAt, 0),
	}, nil
}

func fromRecord(rec ProviderRecord) wireProvider {
	return wireProvider{
		Peer:         rec.Peer.String(),
		ExchangeAddr: rec.ExchangeAddr,
		AdvertisedAt: rec.AdvertisedAt.Unix(),
	}
}

// envelope is the common frame for all overlay messages.
type envelope struct {
	Type      msgType        `json:"type"`
	From      wireContact    `json:"from"`
	MsgID     string         `json:"msg_id"`
	Target    string         `json:"target,omitempty"`
	Contacts  []wireContact  `json:"contacts,omitempty"`
	Providers []wireProvider `json:"providers,omitempty"`
}

func (e envelope) marshal() ([]byte, error)  { return json.Marshal(e) }
func (e *envelope) unmarshal(b []byte) error { return json.Unmarshal(b, e) }
