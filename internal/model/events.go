package model

// Inbound events.
const (
	EventSetAvailable = "presence.setAvailable"
	EventListPresence = "presence.list"
	EventCallRequest  = "call.request"
	EventCallAccept   = "call.accept"
	EventCallReject   = "call.reject"
	EventCallEnd      = "call.end"
	EventCallRequests = "call.requests"
	EventSignalOffer  = "signal.offer"
	EventSignalAnswer = "signal.answer"
	EventSignalICE    = "signal.ice"
	EventClientPing   = "ping"
)

// Outbound events. presence.list and call.requests are both pushed and
// answered as ack queries.
const (
	EventUserOnline      = "user.online"
	EventCallIncoming    = "call.incoming"
	EventCallAccepted    = "call.accepted"
	EventCallRejected    = "call.rejected"
	EventCallEnded       = "call.ended"
	EventCallUnavailable = "call.unavailable"
	EventError           = "error"
)
