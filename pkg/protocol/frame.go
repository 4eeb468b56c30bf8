// Package protocol defines the text frames exchanged between relay clients
// and the server, and the optional length-prefixed framing.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Separator joins the fields of every text frame.
const Separator = "|"

const (
	// LeaveTag prefixes leave requests and leave confirmations.
	LeaveTag = "LEAVE"
	// ClientLeftTag prefixes peer-left notifications.
	ClientLeftTag = "CLIENT_LEFT"
	// ErrorPrefix prefixes error frames sent to clients.
	ErrorPrefix = "[ERROR]"

	leaveConfirmation = "confirmation"
)

var (
	// ErrMalformedFrame is returned when a text frame has the wrong shape.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrInvalidPublicKey is returned when handshake bytes are not a public key.
	ErrInvalidPublicKey = errors.New("invalid public key")
	// ErrFrameTooLarge is returned when a length-prefixed frame exceeds the limit.
	ErrFrameTooLarge = errors.New("frame too large")
)

// FrameType classifies frames a client receives from the server.
type FrameType int

const (
	FrameTypeOpaque FrameType = iota
	FrameTypePublicKey
	FrameTypeRoomJoined
	FrameTypeRoomCreated
	FrameTypeError
	FrameTypeClientLeft
	FrameTypeLeaveConfirmation
)

// String returns the string representation of FrameType
func (ft FrameType) String() string {
	switch ft {
	case FrameTypeOpaque:
		return "OPAQUE"
	case FrameTypePublicKey:
		return "PUBLIC_KEY"
	case FrameTypeRoomJoined:
		return "ROOM_JOINED"
	case FrameTypeRoomCreated:
		return "ROOM_CREATED"
	case FrameTypeError:
		return "ERROR"
	case FrameTypeClientLeft:
		return "CLIENT_LEFT"
	case FrameTypeLeaveConfirmation:
		return "LEAVE_CONFIRMATION"
	default:
		return "UNKNOWN"
	}
}

// RoomRequest is the second frame of a session: roomId|username|password.
type RoomRequest struct {
	RoomID   string
	Username string
	Password string
}

// Encode encodes the request into its wire form.
func (r RoomRequest) Encode() []byte {
	return []byte(strings.Join([]string{r.RoomID, r.Username, r.Password}, Separator))
}

// ParseRoomRequest decodes a room request frame. The frame must be valid
// UTF-8 and split into exactly three fields.
func ParseRoomRequest(data []byte) (RoomRequest, error) {
	fields, err := splitText(data, 3)
	if err != nil {
		return RoomRequest{}, fmt.Errorf("room request: %w", err)
	}
	return RoomRequest{RoomID: fields[0], Username: fields[1], Password: fields[2]}, nil
}

// IsLeave reports whether a payload received in a room is a leave request.
// Anything else is ciphertext.
func IsLeave(data []byte) bool {
	return bytes.HasPrefix(data, []byte(LeaveTag))
}

// ParseLeave decodes LEAVE|roomId|<ignored> and returns the room id.
func ParseLeave(data []byte) (string, error) {
	fields, err := splitText(data, 3)
	if err != nil {
		return "", fmt.Errorf("leave request: %w", err)
	}
	if fields[0] != LeaveTag {
		return "", fmt.Errorf("leave request: %w: unexpected tag %q", ErrMalformedFrame, fields[0])
	}
	return fields[1], nil
}

// LeaveRequest builds the frame a client sends to leave roomID.
func LeaveRequest(roomID string) []byte {
	return joinFields(LeaveTag, roomID, "request")
}

// LeaveConfirmation builds LEAVE|roomId|confirmation.
func LeaveConfirmation(roomID string) []byte {
	return joinFields(LeaveTag, roomID, leaveConfirmation)
}

// JoinConfirmation builds the success frame for a room request. The status
// text tells the client whether it created the room or joined it.
func JoinConfirmation(roomID, username string, created bool) []byte {
	verb := "joined"
	if created {
		verb = "created"
	}
	status := fmt.Sprintf("You have %s the room \"%s\" as \"%s\"", verb, roomID, username)
	return joinFields(roomID, username, status)
}

// AuthFailure builds the error frame sent on a password mismatch.
func AuthFailure(roomID string) []byte {
	return []byte(fmt.Sprintf("%s Invalid password for room %s", ErrorPrefix, roomID))
}

// ClientLeft builds CLIENT_LEFT|host|port.
func ClientLeft(host, port string) []byte {
	return joinFields(ClientLeftTag, host, port)
}

// ParseClientLeft decodes a peer-left notification.
func ParseClientLeft(data []byte) (host, port string, err error) {
	fields, err := splitText(data, 3)
	if err != nil {
		return "", "", fmt.Errorf("client left: %w", err)
	}
	if fields[0] != ClientLeftTag {
		return "", "", fmt.Errorf("client left: %w: unexpected tag %q", ErrMalformedFrame, fields[0])
	}
	return fields[1], fields[2], nil
}

// Classify guesses the type of a frame received from the server. Frames
// that match no control shape are opaque ciphertext.
func Classify(data []byte) FrameType {
	switch {
	case bytes.HasPrefix(data, []byte(pemPublicKeyPrefix)), bytes.HasPrefix(data, []byte(pemRSAPublicKeyPrefix)):
		return FrameTypePublicKey
	case bytes.HasPrefix(data, []byte(ErrorPrefix)):
		return FrameTypeError
	case bytes.HasPrefix(data, []byte(ClientLeftTag+Separator)):
		return FrameTypeClientLeft
	case bytes.HasPrefix(data, []byte(LeaveTag+Separator)) && bytes.HasSuffix(data, []byte(Separator+leaveConfirmation)):
		return FrameTypeLeaveConfirmation
	}
	if !utf8.Valid(data) {
		return FrameTypeOpaque
	}
	fields := strings.Split(string(data), Separator)
	if len(fields) == 3 {
		switch {
		case strings.HasPrefix(fields[2], "You have created the room"):
			return FrameTypeRoomCreated
		case strings.HasPrefix(fields[2], "You have joined the room"):
			return FrameTypeRoomJoined
		}
	}
	return FrameTypeOpaque
}

func joinFields(fields ...string) []byte {
	return []byte(strings.Join(fields, Separator))
}

func splitText(data []byte, want int) ([]string, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: not valid UTF-8", ErrMalformedFrame)
	}
	fields := strings.Split(string(data), Separator)
	if len(fields) != want {
		return nil, fmt.Errorf("%w: got %d fields, want %d", ErrMalformedFrame, len(fields), want)
	}
	return fields, nil
}
