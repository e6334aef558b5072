package model

import "time"

// PushSubscription is the device's Web Push subscription, as handed over by
// the service worker registration.
type PushSubscription struct {
	Endpoint  string    `json:"endpoint"`
	P256dhKey string    `json:"p256dh_key"`
	AuthKey   string    `json:"auth_key"`
	CreatedAt time.Time `json:"created_at"`
}
