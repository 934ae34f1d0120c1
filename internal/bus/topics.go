package bus

// Topics published by the core components. Payload types are documented
// alongside each constant.

const (
	// TopicDeviceRegistered carries a *types.Device on first-ever registration.
	TopicDeviceRegistered Topic = "device:registered"
	// TopicDeviceConnected carries a *types.Device on socket (re)connection.
	TopicDeviceConnected Topic = "device:connected"
	// TopicDeviceOnline carries a *types.Device transitioning to online.
	TopicDeviceOnline Topic = "device:online"
	// TopicDeviceIdle carries a *types.Device transitioning to idle.
	TopicDeviceIdle Topic = "device:idle"
	// TopicDeviceStale carries a *types.Device transitioning to stale.
	TopicDeviceStale Topic = "device:stale"
	// TopicDeviceDisconnected carries a *types.Device transitioning to disconnected.
	TopicDeviceDisconnected Topic = "device:disconnected"
	// TopicDeviceUpdated carries a *types.Device on any other mutation.
	TopicDeviceUpdated Topic = "device:updated"

	// TopicBatchStarted carries a *types.OfflineBatch on batch open.
	TopicBatchStarted Topic = "batch:started"
	// TopicBatchEnded carries a *types.OfflineBatch on batch close.
	TopicBatchEnded Topic = "batch:ended"
	// TopicBatchSynced carries a *types.OfflineBatch once reconciled.
	TopicBatchSynced Topic = "batch:synced"

	// TopicEventCaptured carries a *types.WeighingEvent freshly persisted.
	TopicEventCaptured Topic = "event:captured"
	// TopicEventSynced carries a *types.WeighingEvent whose sync succeeded.
	TopicEventSynced Topic = "event:synced"
	// TopicEventFailed carries a *types.WeighingEvent whose sync failed.
	TopicEventFailed Topic = "event:failed"

	// TopicCloudConnected fires (nil payload) when the cloud transitions
	// from unreachable to reachable.
	TopicCloudConnected Topic = "cloud:connected"
	// TopicCloudDisconnected fires (nil payload) when the cloud transitions
	// from reachable to unreachable.
	TopicCloudDisconnected Topic = "cloud:disconnected"
)
