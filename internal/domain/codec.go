package domain

import (
	"encoding/json"
	"fmt"
)

// EncodePayload serializes an event body for storage.
func EncodePayload(payload Payload) ([]byte, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrDeserialization)
	}
	return json.Marshal(payload)
}

// DecodePayload maps a stored event type to its concrete body. Types this build does not know
// fail with ErrUnknownEventType so callers can skip them.
func DecodePayload(eventType string, data []byte) (Payload, error) {
	switch eventType {
	case EventCategoryCreated:
		return decodeAs[CategoryCreated](eventType, data)
	case EventCategoryRenamed:
		return decodeAs[CategoryRenamed](eventType, data)
	case EventCategoryMoved:
		return decodeAs[CategoryMoved](eventType, data)
	case EventCategoryDeleted:
		return decodeAs[CategoryDeleted](eventType, data)
	case EventNoteCreated:
		return decodeAs[NoteCreated](eventType, data)
	case EventNoteRenamed:
		return decodeAs[NoteRenamed](eventType, data)
	case EventNoteMoved:
		return decodeAs[NoteMoved](eventType, data)
	case EventNoteSaved:
		return decodeAs[NoteSaved](eventType, data)
	case EventNoteDeleted:
		return decodeAs[NoteDeleted](eventType, data)
	case EventTagDefined:
		return decodeAs[TagDefined](eventType, data)
	case EventTagRecolored:
		return decodeAs[TagRecolored](eventType, data)
	case EventTagRetired:
		return decodeAs[TagRetired](eventType, data)
	case EventTaskCreated:
		return decodeAs[TaskCreated](eventType, data)
	case EventTaskTextChanged:
		return decodeAs[TaskTextChanged](eventType, data)
	case EventTaskRelocated:
		return decodeAs[TaskRelocated](eventType, data)
	case EventTaskCompleted:
		return decodeAs[TaskCompleted](eventType, data)
	case EventTaskReopened:
		return decodeAs[TaskReopened](eventType, data)
	case EventTaskDueSet:
		return decodeAs[TaskDueSet](eventType, data)
	case EventTaskMoved:
		return decodeAs[TaskMoved](eventType, data)
	case EventTaskOrphaned:
		return decodeAs[TaskOrphaned](eventType, data)
	case EventTaskRestored:
		return decodeAs[TaskRestored](eventType, data)
	case EventTaskDeleted:
		return decodeAs[TaskDeleted](eventType, data)
	case EventTagAttached:
		return decodeAs[TagAttached](eventType, data)
	case EventTagDetached:
		return decodeAs[TagDetached](eventType, data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}
}

func decodeAs[T Payload](eventType string, data []byte) (Payload, error) {
	var payload T
	if len(data) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDeserialization, eventType, err)
	}
	return payload, nil
}
