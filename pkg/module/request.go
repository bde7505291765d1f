package module

import (
	"github.com/fisync/fisync/pkg/coalesce"
	"github.com/fisync/fisync/pkg/protocol"
	"github.com/fisync/fisync/pkg/scene"
)

// HandleRequest validates and applies one Module request from clientID.
//
// The returned message is the reply to send, if it is valid. Subscribe has
// no separate reply: the snapshot sent through s answers it. On failure the
// reply is an ERROR message and err is the cause; a failed request never
// changes the scene.
func (m *Module) HandleRequest(clientID string, s coalesce.Sender, req protocol.Message) (protocol.Message, error) {
	requestID := req.Info.String(protocol.KeyRequestID)
	reply, err := m.handle(clientID, s, requestID, req)
	if err != nil {
		m.logger.Debug("module request failed",
			"client_id", clientID,
			"request_id", requestID,
			"error", err)
		return protocol.ErrorReply(protocol.TypeModule, err).
			Set(protocol.KeyModuleID, m.id).
			Set(protocol.KeyRequestID, requestID), err
	}
	return reply, nil
}

func (m *Module) handle(clientID string, s coalesce.Sender, requestID string, req protocol.Message) (protocol.Message, error) {
	switch requestID {
	case protocol.RequestSubscribe:
		if err := m.Subscribe(clientID, s); err != nil {
			return protocol.Message{}, err
		}
		return protocol.Message{}, nil

	case protocol.RequestUnsubscribe:
		m.Unsubscribe(clientID)
		return m.success(requestID), nil

	case protocol.RequestGetScene:
		b := coalesce.NewBatch(m.id, true)
		sceneResolver{scene: m.scene}.Snapshot(b)
		msg := b.Message().Set(protocol.KeyRequestID, requestID)
		return msg, nil

	case protocol.RequestSetInteraction:
		id, err := requireString(req, protocol.KeyInteractionID)
		if err != nil {
			return protocol.Message{}, err
		}
		current, ok := m.scene.Interaction(id)
		if !ok {
			return protocol.Message{}, protocol.NotFoundf("set interaction", "unknown interaction %q", id)
		}
		raw, ok := req.Info.Get(protocol.KeyValue)
		if !ok {
			return protocol.Message{}, protocol.Validationf("set interaction", "missing %s", protocol.KeyValue)
		}
		value, err := scene.ParseValue(current.Kind(), raw)
		if err != nil {
			return protocol.Message{}, err
		}
		if err := m.scene.SetValue(id, value); err != nil {
			return protocol.Message{}, err
		}
		return m.success(requestID).Set(protocol.KeyInteractionID, id), nil

	case protocol.RequestTriggerInteraction:
		id, err := requireString(req, protocol.KeyInteractionID)
		if err != nil {
			return protocol.Message{}, err
		}
		if err := m.scene.Trigger(id); err != nil {
			return protocol.Message{}, err
		}
		return m.success(requestID).Set(protocol.KeyInteractionID, id), nil

	case protocol.RequestSetTransform:
		id, err := requireString(req, protocol.KeyVisualID)
		if err != nil {
			return protocol.Message{}, err
		}
		var t scene.Transform
		if !req.Info.Has(protocol.KeyTransform) {
			return protocol.Message{}, protocol.Validationf("set transform", "missing %s", protocol.KeyTransform)
		}
		if err := req.Info.Decode(protocol.KeyTransform, &t); err != nil {
			return protocol.Message{}, protocol.Validationf("set transform", "%v", err)
		}
		if partID := req.Info.String(protocol.KeyPartID); partID != "" {
			err = m.scene.SetPartTransform(id, partID, t)
		} else {
			err = m.scene.SetTransform(id, t)
		}
		if err != nil {
			return protocol.Message{}, err
		}
		return m.success(requestID).Set(protocol.KeyVisualID, id), nil

	case "":
		return protocol.Message{}, protocol.Validationf("module request", "missing %s", protocol.KeyRequestID)
	default:
		return protocol.Message{}, protocol.Validationf("module request", "unknown %s %q", protocol.KeyRequestID, requestID)
	}
}

func (m *Module) success(requestID string) protocol.Message {
	return protocol.NewMessage(protocol.TypeModule).
		Set(protocol.KeyResponseStatus, protocol.StatusSuccess).
		Set(protocol.KeyModuleID, m.id).
		Set(protocol.KeyRequestID, requestID)
}

func requireString(req protocol.Message, key string) (string, error) {
	v := req.Info.String(key)
	if v == "" {
		return "", protocol.Validationf("module request", "missing %s", key)
	}
	return v, nil
}
