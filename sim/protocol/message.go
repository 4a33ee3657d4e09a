// Package protocol defines the network messages exchanged between the
// coordinator and its workers, their framed encoding, and a connection
// wrapper that serializes writes.
package protocol

import (
	"errors"
	"fmt"

	"github.com/netlist-sim/distsim/sim"
)

// MessageType tags the kind of a Message.
type MessageType uint8

const (
	TypeSignOnRequest  MessageType = iota + 1 // worker → coordinator
	TypeSignOnResponse                        // coordinator → worker
	TypePingRequest                           // either direction
	TypePingResponse                          // either direction
	TypeEventList                             // both directions
	TypeNewJob                                // coordinator → worker
	TypeKillJob                               // coordinator → worker
	TypeJobDone                               // worker → coordinator
)

var typeNames = map[MessageType]string{
	TypeSignOnRequest:  "SIGN_ON_REQUEST",
	TypeSignOnResponse: "SIGN_ON_RESPONSE",
	TypePingRequest:    "PING_REQUEST",
	TypePingResponse:   "PING_RESPONSE",
	TypeEventList:      "EVENT_LIST",
	TypeNewJob:         "NEW_JOB",
	TypeKillJob:        "KILL_JOB",
	TypeJobDone:        "JOB_DONE",
}

func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

// ErrInvalidMessage reports a message whose fields do not match its type.
var ErrInvalidMessage = errors.New("invalid message")

// NewJob is the payload of a NEW_JOB message.
type NewJob struct {
	JobID     sim.JobID      `json:"job_id"`
	Partition *sim.Partition `json:"partition"`
	// EndTime is the optional logical deadline of the job.
	EndTime *int64 `json:"end_time,omitempty"`
}

// Message is the closed set of network messages: Type selects which of the
// payload fields is meaningful.
type Message struct {
	Type      MessageType    `json:"type"`
	JobID     sim.JobID      `json:"job_id,omitempty"`    // KILL_JOB, JOB_DONE
	WorkerID  sim.WorkerID   `json:"worker_id,omitempty"` // SIGN_ON_RESPONSE, optional
	EventList *sim.EventList `json:"event_list,omitempty"`
	NewJob    *NewJob        `json:"new_job,omitempty"`
}

func (m Message) String() string {
	switch m.Type {
	case TypeEventList:
		if m.EventList != nil {
			return fmt.Sprintf("%s(job=%s, events=%d)", m.Type, m.EventList.JobID, m.EventList.Len())
		}
	case TypeNewJob:
		if m.NewJob != nil {
			return fmt.Sprintf("%s(job=%s)", m.Type, m.NewJob.JobID)
		}
	case TypeKillJob, TypeJobDone:
		return fmt.Sprintf("%s(job=%s)", m.Type, m.JobID)
	}
	return m.Type.String()
}

// Validate checks that the payload required by the message type is present.
func (m Message) Validate() error {
	switch m.Type {
	case TypeSignOnRequest, TypeSignOnResponse, TypePingRequest, TypePingResponse:
		return nil
	case TypeEventList:
		if m.EventList == nil || m.EventList.JobID == "" {
			return fmt.Errorf("%w: %s without job id", ErrInvalidMessage, m.Type)
		}
	case TypeNewJob:
		if m.NewJob == nil || m.NewJob.JobID == "" || m.NewJob.Partition == nil {
			return fmt.Errorf("%w: %s without job id or partition", ErrInvalidMessage, m.Type)
		}
	case TypeKillJob, TypeJobDone:
		if m.JobID == "" {
			return fmt.Errorf("%w: %s without job id", ErrInvalidMessage, m.Type)
		}
	default:
		return fmt.Errorf("%w: unknown type %d", ErrInvalidMessage, uint8(m.Type))
	}
	return nil
}

// SignOnRequest begins the handshake.
func SignOnRequest() Message { return Message{Type: TypeSignOnRequest} }

// SignOnResponse completes the handshake and tells the worker the id the
// coordinator knows it by.
func SignOnResponse(id sim.WorkerID) Message {
	return Message{Type: TypeSignOnResponse, WorkerID: id}
}

// PingRequest asks the peer to prove liveness.
func PingRequest() Message { return Message{Type: TypePingRequest} }

// PingResponse answers a PingRequest.
func PingResponse() Message { return Message{Type: TypePingResponse} }

// EventListMessage wraps an event batch.
func EventListMessage(list sim.EventList) Message {
	return Message{Type: TypeEventList, EventList: &list}
}

// NewJobMessage installs a partition on a worker.
func NewJobMessage(jobID sim.JobID, p *sim.Partition, endTime *int64) Message {
	return Message{Type: TypeNewJob, NewJob: &NewJob{JobID: jobID, Partition: p, EndTime: endTime}}
}

// KillJob interrupts and tears down a job on a worker.
func KillJob(jobID sim.JobID) Message { return Message{Type: TypeKillJob, JobID: jobID} }

// JobDone reports that a worker finished its partition of a job.
func JobDone(jobID sim.JobID) Message { return Message{Type: TypeJobDone, JobID: jobID} }
