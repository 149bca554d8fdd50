package pubsub

// FilterOptions narrows which published events reach a subscription's
// handler. The zero value matches every event (subject only to the
// name match in Subscribe).
type FilterOptions struct {
	// UserID, if HasUserID is set, restricts delivery to events whose
	// UserID matches, OR any event published with Metadata.IsPublic,
	// regardless of ownership — unless MyDevices is also set.
	UserID    string
	HasUserID bool

	// MyDevices, combined with UserID, narrows delivery to only events
	// owned by UserID, for both public and private events: the public
	// bypass above does not apply.
	MyDevices bool

	// DeviceID, if HasDeviceID is set, restricts delivery to events
	// carrying a matching DeviceID; events with no DeviceID are
	// dropped.
	DeviceID    string
	HasDeviceID bool

	// ConnectionID, if HasConnectionID is set, suppresses private
	// events that originated on the same connection (echo
	// suppression). Public events are never suppressed by this filter.
	ConnectionID    string
	HasConnectionID bool

	// DropInternalEvents corresponds to listenToInternalEvents:false —
	// events published with Metadata.IsInternal are dropped.
	DropInternalEvents bool

	// DropBroadcastedEvents corresponds to
	// listenToBroadcastedEvents:false — events with Event.Broadcasted
	// set are dropped.
	DropBroadcastedEvents bool
}

func (f FilterOptions) matches(ev Event, meta Metadata) bool {
	if meta.IsInternal && f.DropInternalEvents {
		return false
	}
	if ev.Broadcasted && f.DropBroadcastedEvents {
		return false
	}
	if f.HasUserID {
		if f.MyDevices {
			if ev.UserID != f.UserID {
				return false
			}
		} else if ev.UserID != f.UserID && !meta.IsPublic {
			return false
		}
	}
	if f.HasDeviceID {
		if ev.DeviceID == "" || ev.DeviceID != f.DeviceID {
			return false
		}
	}
	if f.HasConnectionID && !meta.IsPublic {
		if ev.ConnectionID == f.ConnectionID {
			return false
		}
	}
	return true
}
