package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
)

// Shapes of the listen stream. The wire format is a json envelope per
// websocket binary message:
//
//	{"type": <message type>, "body": <message>}
//
// Field data inside a Document is opaque to the watch core.

type TargetChangeKind string

const (
	TargetChangeNoChange TargetChangeKind = "NO_CHANGE"
	TargetChangeAdd      TargetChangeKind = "ADD"
	TargetChangeRemove   TargetChangeKind = "REMOVE"
	TargetChangeCurrent  TargetChangeKind = "CURRENT"
	TargetChangeReset    TargetChangeKind = "RESET"
)

// Status is the cause attached to a target-level event,
// using the canonical code space.
type Status struct {
	Code    codes.Code `json:"code"`
	Message string     `json:"message,omitempty"`
}

type Document struct {
	Name       string         `json:"name"`
	Fields     map[string]any `json:"fields,omitempty"`
	CreateTime time.Time      `json:"create_time"`
	UpdateTime time.Time      `json:"update_time"`
}

// Target is a resolved watch target. The predicate is opaque bytes produced
// by the query builder. On resume, `ResumeToken` or `ReadTime` marks the
// point in the change stream to continue from.
type Target struct {
	TargetId    int32      `json:"target_id"`
	Documents   []string   `json:"documents,omitempty"`
	Predicate   []byte     `json:"predicate,omitempty"`
	ResumeToken []byte     `json:"resume_token,omitempty"`
	ReadTime    *time.Time `json:"read_time,omitempty"`
}

type ListenRequest struct {
	AddTarget    *Target `json:"add_target,omitempty"`
	RemoveTarget int32   `json:"remove_target,omitempty"`
}

type DocumentChange struct {
	Document         *Document `json:"document"`
	TargetIds        []int32   `json:"target_ids,omitempty"`
	RemovedTargetIds []int32   `json:"removed_target_ids,omitempty"`
}

// DocumentDelete is a literal deletion of the document.
type DocumentDelete struct {
	Document string    `json:"document"`
	ReadTime time.Time `json:"read_time"`
}

// DocumentRemove is the document leaving the target's result set without
// being deleted. The watch core treats both the same way.
type DocumentRemove struct {
	Document string    `json:"document"`
	ReadTime time.Time `json:"read_time"`
}

type TargetChange struct {
	Kind        TargetChangeKind `json:"kind"`
	TargetIds   []int32          `json:"target_ids,omitempty"`
	ResumeToken []byte           `json:"resume_token,omitempty"`
	ReadTime    *time.Time       `json:"read_time,omitempty"`
	Cause       *Status          `json:"cause,omitempty"`
}

// Filter is the count integrity check. The count is the number of documents
// the server believes the target currently matches.
type Filter struct {
	TargetId int32 `json:"target_id"`
	Count    int32 `json:"count"`
}

// ListenResponse is a union. Exactly one field is set.
type ListenResponse struct {
	DocumentChange *DocumentChange
	DocumentDelete *DocumentDelete
	DocumentRemove *DocumentRemove
	TargetChange   *TargetChange
	Filter         *Filter
}

const (
	messageTypeDocumentChange = "document_change"
	messageTypeDocumentDelete = "document_delete"
	messageTypeDocumentRemove = "document_remove"
	messageTypeTargetChange   = "target_change"
	messageTypeFilter         = "filter"
	messageTypeListenRequest  = "listen_request"
)

type envelope struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

func encode(messageType string, body any) ([]byte, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&envelope{
		Type: messageType,
		Body: bodyBytes,
	})
}

func EncodeRequest(request *ListenRequest) ([]byte, error) {
	return encode(messageTypeListenRequest, request)
}

func DecodeRequest(b []byte) (*ListenRequest, error) {
	e := &envelope{}
	if err := json.Unmarshal(b, e); err != nil {
		return nil, err
	}
	if e.Type != messageTypeListenRequest {
		return nil, fmt.Errorf("Unknown request type: %s", e.Type)
	}
	request := &ListenRequest{}
	if err := json.Unmarshal(e.Body, request); err != nil {
		return nil, err
	}
	return request, nil
}

func EncodeResponse(response *ListenResponse) ([]byte, error) {
	switch {
	case response.DocumentChange != nil:
		return encode(messageTypeDocumentChange, response.DocumentChange)
	case response.DocumentDelete != nil:
		return encode(messageTypeDocumentDelete, response.DocumentDelete)
	case response.DocumentRemove != nil:
		return encode(messageTypeDocumentRemove, response.DocumentRemove)
	case response.TargetChange != nil:
		return encode(messageTypeTargetChange, response.TargetChange)
	case response.Filter != nil:
		return encode(messageTypeFilter, response.Filter)
	default:
		return nil, fmt.Errorf("Empty response.")
	}
}

func DecodeResponse(b []byte) (*ListenResponse, error) {
	e := &envelope{}
	if err := json.Unmarshal(b, e); err != nil {
		return nil, err
	}
	response := &ListenResponse{}
	switch e.Type {
	case messageTypeDocumentChange:
		response.DocumentChange = &DocumentChange{}
		if err := json.Unmarshal(e.Body, response.DocumentChange); err != nil {
			return nil, err
		}
	case messageTypeDocumentDelete:
		response.DocumentDelete = &DocumentDelete{}
		if err := json.Unmarshal(e.Body, response.DocumentDelete); err != nil {
			return nil, err
		}
	case messageTypeDocumentRemove:
		response.DocumentRemove = &DocumentRemove{}
		if err := json.Unmarshal(e.Body, response.DocumentRemove); err != nil {
			return nil, err
		}
	case messageTypeTargetChange:
		response.TargetChange = &TargetChange{}
		if err := json.Unmarshal(e.Body, response.TargetChange); err != nil {
			return nil, err
		}
	case messageTypeFilter:
		response.Filter = &Filter{}
		if err := json.Unmarshal(e.Body, response.Filter); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("Unknown response type: %s", e.Type)
	}
	return response, nil
}
