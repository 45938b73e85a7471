package call

import (
	"github.com/pion/webrtc/v4"

	"github.com/matheus3301/rtchat/internal/domain"
)

// Signaling events, published on the recipient's signaling topic.
const (
	EventOffer     = "call-offer"
	EventAnswer    = "call-answer"
	EventCandidate = "ice-candidate"
	EventEnd       = "end-call"
)

type offerPayload struct {
	Offer   webrtc.SessionDescription `json:"offer"`
	Caller  domain.User               `json:"caller"`
	CallID  string                    `json:"callId"`
	IsVideo bool                      `json:"isVideo"`
}

type answerPayload struct {
	Answer webrtc.SessionDescription `json:"answer"`
	From   string                    `json:"from"`
}

type candidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
	From      string                  `json:"from"`
}

type endPayload struct {
	From string `json:"from"`
}
