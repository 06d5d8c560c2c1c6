package iqstream

// Contain the status publisher, which publishes JSON-encoded messages giving
// the latest node state and any hardware faults.

import (
	"encoding/json"
	"fmt"

	zmq "github.com/pebbe/zmq4"
)

// ClientUpdate carries the messages to be published on the status port.
type ClientUpdate struct {
	tag     string
	message interface{}
}

// Tag returns the topic the update is published under.
func (u ClientUpdate) Tag() string { return u.tag }

// encode returns the two frames of u: the tag, then the JSON message.
func (u ClientUpdate) encode() ([]byte, []byte, error) {
	msg, err := json.Marshal(u.message)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding %s update: %w", u.tag, err)
	}
	return []byte(u.tag), msg, nil
}

// RunStatusPublisher forwards any message from its input channel to the ZMQ
// publisher socket to publish any information that clients need to know. It
// returns when messages is closed.
func RunStatusPublisher(messages <-chan ClientUpdate, portstatus int) error {
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return err
	}
	defer pubSocket.Close()
	hostname := fmt.Sprintf("tcp://*:%d", portstatus)
	if err := pubSocket.Bind(hostname); err != nil {
		return err
	}

	for update := range messages {
		tag, msg, err := update.encode()
		if err != nil {
			ProblemLogger.Print(err)
			continue
		}
		if _, err := pubSocket.SendBytes(tag, zmq.SNDMORE); err != nil {
			ProblemLogger.Printf("status publisher: %v", err)
			continue
		}
		if _, err := pubSocket.SendBytes(msg, 0); err != nil {
			ProblemLogger.Printf("status publisher: %v", err)
		}
	}
	return nil
}
