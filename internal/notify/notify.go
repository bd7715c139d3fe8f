package notify

import "context"

// CallNotifier pushes out-of-band alerts for call events to the station's
// registered device. Implements the engine's PushNotifier.
type CallNotifier struct {
	fcm         *FCMService
	deviceToken string
}

// NewCallNotifier may receive a nil FCM service or an empty token; either
// turns every notification into a no-op.
func NewCallNotifier(fcm *FCMService, deviceToken string) *CallNotifier {
	return &CallNotifier{fcm: fcm, deviceToken: deviceToken}
}

func (n *CallNotifier) MissedCall(callerName string) {
	if n == nil {
		return
	}
	_ = n.fcm.Send(context.Background(), n.deviceToken, "MISSED_CALL",
		"Llamada perdida", callerName+" llamó y nadie respondió", map[string]string{
			"caller_name": callerName,
		})
}

func (n *CallNotifier) QueuedCall(callerName string) {
	if n == nil {
		return
	}
	_ = n.fcm.Send(context.Background(), n.deviceToken, "CALL_QUEUED",
		"Llamada en cola", callerName+" está esperando en la cola", map[string]string{
			"caller_name": callerName,
		})
}
