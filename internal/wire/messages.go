// Package wire defines the datagrams exchanged between clients, probe hosts
// and the coordinator.
package wire

import (
	"net/netip"
	"time"

	"github.com/google/uuid"

	"punchctl/internal/model"
)

// Kind tags a frame with the message it carries.
type Kind uint8

const (
	KindClassificationRequest Kind = iota + 1
	KindClassificationResponse
	KindRelayedClassification
	KindRegistration
	KindRegistrationAck
	KindRendezvousBroadcast
	KindPunchRequest
	KindPunchResponse
	KindPrime
	KindHeartbeat
	KindConsistencyCheckRequest
	KindConsistencyCheckResponse
)

var kindNames = map[Kind]string{
	KindClassificationRequest:    "classification_request",
	KindClassificationResponse:   "classification_response",
	KindRelayedClassification:    "relayed_classification",
	KindRegistration:             "registration",
	KindRegistrationAck:          "registration_ack",
	KindRendezvousBroadcast:      "rendezvous_broadcast",
	KindPunchRequest:             "punch_request",
	KindPunchResponse:            "punch_response",
	KindPrime:                    "prime",
	KindHeartbeat:                "heartbeat",
	KindConsistencyCheckRequest:  "consistency_check_request",
	KindConsistencyCheckResponse: "consistency_check_response",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Message is implemented only by the types in this package.
type Message interface {
	Kind() Kind
	sealed()
}

// CheckType selects which classification phase a request belongs to.
type CheckType uint8

const (
	CheckIsSymmetric CheckType = iota + 1
	CheckWhichKindOfCone
)

func (c CheckType) String() string {
	switch c {
	case CheckIsSymmetric:
		return "is_symmetric"
	case CheckWhichKindOfCone:
		return "which_kind_of_cone"
	default:
		return "unknown"
	}
}

type ClassificationRequest struct {
	CorrelationID uuid.UUID      `json:"correlation_id"`
	SubType       CheckType      `json:"sub_type"`
	ClientID      uuid.UUID      `json:"client_id"`
	Target        netip.AddrPort `json:"target"`
	SendTime      time.Time      `json:"send_time"`
}

type ClassificationResponse struct {
	CorrelationID     uuid.UUID      `json:"correlation_id"`
	FromPrimaryHost   bool           `json:"from_primary_host"`
	FromSecondaryHost bool           `json:"from_secondary_host"`
	PortRole          model.PortRole `json:"port_role"`
	Responder         netip.AddrPort `json:"responder"`
	Observed          netip.AddrPort `json:"observed"`
	SendTime          time.Time      `json:"send_time"`
}

// RelayedClassification travels over the probe hosts' control channel.
type RelayedClassification struct {
	Request  ClassificationRequest `json:"request"`
	Observed netip.AddrPort        `json:"observed"`
}

type Registration struct {
	ClientID       uuid.UUID      `json:"client_id"`
	GroupID        uuid.UUID      `json:"group_id"`
	PublicEndpoint netip.AddrPort `json:"public_endpoint"`
	NATType        model.NATType  `json:"nat_type"`
}

type RegistrationAck struct {
	ClientID uuid.UUID      `json:"client_id"`
	GroupID  uuid.UUID      `json:"group_id"`
	Observed netip.AddrPort `json:"observed"`
	Members  int            `json:"members"`
}

type RendezvousBroadcast struct {
	PeerID              uuid.UUID      `json:"peer_id"`
	PeerEndpoint        netip.AddrPort `json:"peer_endpoint"`
	PeerNATType         model.NATType  `json:"peer_nat_type"`
	GroupID             uuid.UUID      `json:"group_id"`
	ShouldPrepare       bool           `json:"should_prepare"`
	ShouldWaitThenPunch bool           `json:"should_wait_then_punch"`
	PeerIsFullCone      bool           `json:"peer_is_full_cone"`
}

// PunchRequest.Source is the zero AddrPort when the sender cannot know its
// own mapping.
type PunchRequest struct {
	RequestID           uuid.UUID      `json:"request_id"`
	Source              netip.AddrPort `json:"source"`
	Destination         netip.AddrPort `json:"destination"`
	SourceNATType       model.NATType  `json:"source_nat_type"`
	SourceClientID      uuid.UUID      `json:"source_client_id"`
	DestinationClientID uuid.UUID      `json:"destination_client_id"`
	GroupID             uuid.UUID      `json:"group_id"`
	SendTime            time.Time      `json:"send_time"`
}

type PunchResponse struct {
	RequesterObserved netip.AddrPort `json:"requester_observed"`
	ResponderObserved netip.AddrPort `json:"responder_observed"`
	ResponderNATType  model.NATType  `json:"responder_nat_type"`
	RequesterClientID uuid.UUID      `json:"requester_client_id"`
	ResponderClientID uuid.UUID      `json:"responder_client_id"`
	GroupID           uuid.UUID      `json:"group_id"`
	SendTime          time.Time      `json:"send_time"`
}

// Prime is thrown at a peer only to open the local NAT mapping.
type Prime struct {
	SenderID uuid.UUID `json:"sender_id"`
	SendTime time.Time `json:"send_time"`
}

type Heartbeat struct {
	SenderID   uuid.UUID      `json:"sender_id"`
	SendTime   time.Time      `json:"send_time"`
	Payload    string         `json:"payload"`
	Advertised netip.AddrPort `json:"advertised"`
}

type ConsistencyCheckRequest struct {
	ClientID uuid.UUID `json:"client_id"`
}

type ConsistencyCheckResponse struct {
	ClientID uuid.UUID      `json:"client_id"`
	Observed netip.AddrPort `json:"observed"`
}

func (ClassificationRequest) Kind() Kind    { return KindClassificationRequest }
func (ClassificationResponse) Kind() Kind   { return KindClassificationResponse }
func (RelayedClassification) Kind() Kind    { return KindRelayedClassification }
func (Registration) Kind() Kind             { return KindRegistration }
func (RegistrationAck) Kind() Kind          { return KindRegistrationAck }
func (RendezvousBroadcast) Kind() Kind      { return KindRendezvousBroadcast }
func (PunchRequest) Kind() Kind             { return KindPunchRequest }
func (PunchResponse) Kind() Kind            { return KindPunchResponse }
func (Prime) Kind() Kind                    { return KindPrime }
func (Heartbeat) Kind() Kind                { return KindHeartbeat }
func (ConsistencyCheckRequest) Kind() Kind  { return KindConsistencyCheckRequest }
func (ConsistencyCheckResponse) Kind() Kind { return KindConsistencyCheckResponse }

func (ClassificationRequest) sealed()    {}
func (ClassificationResponse) sealed()   {}
func (RelayedClassification) sealed()    {}
func (Registration) sealed()             {}
func (RegistrationAck) sealed()          {}
func (RendezvousBroadcast) sealed()      {}
func (PunchRequest) sealed()             {}
func (PunchResponse) sealed()            {}
func (Prime) sealed()                    {}
func (Heartbeat) sealed()                {}
func (ConsistencyCheckRequest) sealed()  {}
func (ConsistencyCheckResponse) sealed() {}
