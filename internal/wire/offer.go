// internal/wire/offer.go
package wire

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Message type tags for the Failure Table's wire surface: one BlockOffer
// push per requestor on a found block, the fnp_get_offered_key claim a
// peer sends for a key we offered it, and the SSK/CHK "offered key" reply
// family send_offered_key answers that claim with.
const (
	MsgTypeBlockOffer           = "block_offer"
	MsgTypeGetOfferedKey        = "fnp_get_offered_key"
	MsgTypeGetOfferedKeyInvalid = "fnp_get_offered_key_invalid"
	MsgTypeSSKDataFoundHeaders  = "fnp_ssk_data_found_headers"
	MsgTypeSSKDataFoundData     = "fnp_ssk_data_found_data"
	MsgTypeSSKPubKey            = "fnp_ssk_pub_key"
	MsgTypeSSKDataFoundLegacy   = "fnp_ssk_data_found"
	MsgTypeCHKDataFound         = "fnp_chk_data_found"

	ReasonRejectedNoKey   = "GET_OFFERED_KEY_REJECTED_NO_KEY"
	ReasonRejectedBadAuth = "GET_OFFERED_KEY_REJECTED_BAD_AUTH"
)

// GetOfferedKeyMsg is the request a peer sends to claim a key we
// previously pushed a BlockOffer for; it is the trigger for
// send_offered_key on the receiving side.
type GetOfferedKeyMsg struct {
	Type          string `json:"type"`
	KeyHex        string `json:"key"`
	IsSSK         bool   `json:"is_ssk"`
	NeedPubKey    bool   `json:"need_pub_key"`
	LegacyCombo   bool   `json:"legacy_combo"`
	UID           uint64 `json:"uid"`
	Authenticator string `json:"authenticator"`
}

func EncodeGetOfferedKey(keyBytes []byte, isSSK, needPubKey, legacyCombo bool, uid uint64, authenticator []byte) ([]byte, error) {
	return json.Marshal(GetOfferedKeyMsg{
		Type:          MsgTypeGetOfferedKey,
		KeyHex:        hex.EncodeToString(keyBytes),
		IsSSK:         isSSK,
		NeedPubKey:    needPubKey,
		LegacyCombo:   legacyCombo,
		UID:           uid,
		Authenticator: hex.EncodeToString(authenticator),
	})
}

func DecodeGetOfferedKey(data []byte) (GetOfferedKeyMsg, error) {
	var m GetOfferedKeyMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return GetOfferedKeyMsg{}, err
	}
	return m, nil
}

// BlockOfferMsg is what entry.offer() sends to every requestor peer whose
// handle still resolves: the key, an authenticator binding the offer to
// this process and that peer, and the boot id so a restarted peer can tell
// the offer is stale without round-tripping.
type BlockOfferMsg struct {
	Type          string `json:"type"`
	KeyHex        string `json:"key"`
	IsSSK         bool   `json:"is_ssk"`
	Authenticator string `json:"authenticator"`
	BootID        uint64 `json:"boot_id"`
}

func EncodeBlockOffer(keyBytes []byte, isSSK bool, authenticator []byte, bootID uint64) ([]byte, error) {
	m := BlockOfferMsg{
		Type:          MsgTypeBlockOffer,
		KeyHex:        hex.EncodeToString(keyBytes),
		IsSSK:         isSSK,
		Authenticator: hex.EncodeToString(authenticator),
		BootID:        bootID,
	}
	return json.Marshal(m)
}

func DecodeBlockOffer(data []byte) (BlockOfferMsg, error) {
	var m BlockOfferMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return BlockOfferMsg{}, err
	}
	if m.Type != "" && m.Type != MsgTypeBlockOffer {
		return BlockOfferMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

// GetOfferedKeyInvalidMsg is sent when send_offered_key is asked for a uid
// whose key we no longer have in the datastore (ReasonRejectedNoKey), or
// when a claim's authenticator fails verification (ReasonRejectedBadAuth).
type GetOfferedKeyInvalidMsg struct {
	Type   string `json:"type"`
	UID    uint64 `json:"uid"`
	Reason string `json:"reason"`
}

func EncodeGetOfferedKeyInvalid(uid uint64, reason string) ([]byte, error) {
	if reason == "" {
		reason = ReasonRejectedNoKey
	}
	return json.Marshal(GetOfferedKeyInvalidMsg{Type: MsgTypeGetOfferedKeyInvalid, UID: uid, Reason: reason})
}

func DecodeGetOfferedKeyInvalid(data []byte) (GetOfferedKeyInvalidMsg, error) {
	var m GetOfferedKeyInvalidMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return GetOfferedKeyInvalidMsg{}, err
	}
	return m, nil
}

// SSKDataFoundHeadersMsg / SSKDataFoundDataMsg / SSKPubKeyMsg are the split
// SSK reply messages; SSKDataFoundLegacyMsg is the pre-split combined form
// some peers still expect (see SendRequest.LegacyCombo).
type SSKDataFoundHeadersMsg struct {
	Type    string `json:"type"`
	UID     uint64 `json:"uid"`
	Headers string `json:"headers"`
}

type SSKDataFoundDataMsg struct {
	Type string `json:"type"`
	UID  uint64 `json:"uid"`
	Data string `json:"data"`
}

type SSKPubKeyMsg struct {
	Type   string `json:"type"`
	UID    uint64 `json:"uid"`
	PubKey string `json:"pub_key"`
}

type SSKDataFoundLegacyMsg struct {
	Type    string `json:"type"`
	UID     uint64 `json:"uid"`
	Headers string `json:"headers"`
	Data    string `json:"data"`
}

func EncodeSSKDataFoundHeaders(uid uint64, headers []byte) ([]byte, error) {
	return json.Marshal(SSKDataFoundHeadersMsg{Type: MsgTypeSSKDataFoundHeaders, UID: uid, Headers: hex.EncodeToString(headers)})
}

func EncodeSSKDataFoundData(uid uint64, data []byte) ([]byte, error) {
	return json.Marshal(SSKDataFoundDataMsg{Type: MsgTypeSSKDataFoundData, UID: uid, Data: hex.EncodeToString(data)})
}

func EncodeSSKPubKey(uid uint64, pubKey []byte) ([]byte, error) {
	return json.Marshal(SSKPubKeyMsg{Type: MsgTypeSSKPubKey, UID: uid, PubKey: hex.EncodeToString(pubKey)})
}

func EncodeSSKDataFoundLegacy(uid uint64, headers, data []byte) ([]byte, error) {
	return json.Marshal(SSKDataFoundLegacyMsg{
		Type:    MsgTypeSSKDataFoundLegacy,
		UID:     uid,
		Headers: hex.EncodeToString(headers),
		Data:    hex.EncodeToString(data),
	})
}

// CHKDataFoundMsg precedes the block-transmitter packet stream for a CHK
// reply; the packet stream itself is raw framed payload, not JSON.
type CHKDataFoundMsg struct {
	Type    string `json:"type"`
	UID     uint64 `json:"uid"`
	Headers string `json:"headers"`
}

func EncodeCHKDataFound(uid uint64, headers []byte) ([]byte, error) {
	return json.Marshal(CHKDataFoundMsg{Type: MsgTypeCHKDataFound, UID: uid, Headers: hex.EncodeToString(headers)})
}

func DecodeCHKDataFound(data []byte) (CHKDataFoundMsg, error) {
	var m CHKDataFoundMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return CHKDataFoundMsg{}, err
	}
	return m, nil
}
