package tunnel

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// handleConnect runs after every successful dial. The node re-introduces
// itself and republishes its model inventory; the gateway treats repeats as
// idempotent.
func (r *Router) handleConnect(ctx context.Context) {
	r.sendRegisterRequest()
	r.sendModelReport(ctx)
}

func (r *Router) sendRegisterRequest() {
	request := &RegisterRequestPayload{
		DeviceID:       r.identity.DeviceID,
		DeviceName:     r.identity.DeviceName,
		GatewayAddress: r.identity.GatewayAddress,
		RewardAddress:  r.identity.RewardAddress,
		Code:           r.identity.Code,
	}
	if err := r.conn.Send(TypeDeviceRegisterRequest, request); err != nil {
		log.Warnf("tunnel register request failed: %v", err)
		return
	}
	log.Infof("tunnel register request sent for device %s", r.identity.DeviceID)
}

// sendModelReport publishes the current model inventory. An empty inventory
// is still reported so the gateway can mark the node as model-less.
func (r *Router) sendModelReport(ctx context.Context) {
	backend := r.registry.CurrentFramework()
	models := r.resolver.Models(ctx, backend)
	entries := make([]ModelEntry, 0, len(models))
	for _, m := range models {
		entries = append(entries, ModelEntry{
			Name:       m.Name,
			Size:       m.Size,
			Family:     m.Family,
			Parameters: m.Parameters,
		})
	}
	report := &ModelReportPayload{
		DeviceID: r.identity.DeviceID,
		Backend:  backend,
		Models:   entries,
	}
	if err := r.conn.Send(TypeDeviceModelReport, report); err != nil {
		log.Warnf("tunnel model report failed: %v", err)
		return
	}
	log.Debugf("tunnel model report sent: %d models", len(entries))
}

func (r *Router) handleRegisterResponse(envelope *Envelope) {
	var response RegisterResponsePayload
	if err := decodePayload(envelope, &response); err != nil {
		log.Warnf("tunnel dropped %s: %v", envelope.Type, err)
		return
	}
	if !response.Success {
		log.Errorf("gateway rejected registration: %s", response.Message)
		return
	}

	deviceID := response.DeviceID
	if deviceID == "" {
		deviceID = r.identity.DeviceID
	}
	log.Infof("gateway accepted registration for device %s", deviceID)
	if err := r.conn.Send(TypeDeviceRegisterAck, &RegisterAckPayload{DeviceID: deviceID}); err != nil {
		log.Warnf("tunnel register ack failed: %v", err)
	}
}
