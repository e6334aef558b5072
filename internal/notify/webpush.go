package notify

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/chimeapp/chime/internal/model"
)

// ErrExpired is returned when a push subscription is no longer valid (410 Gone).
var ErrExpired = errors.New("push subscription expired")

// ErrNoSubscription is returned when no subscription has been registered yet.
var ErrNoSubscription = errors.New("no push subscription registered")

// Payload is the JSON delivered to the service worker. Tag is the collapse
// key: the push service replaces an undelivered notification carrying the
// same tag instead of stacking a second one.
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
	Tag   string `json:"tag,omitempty"`
}

// WebPushConfig holds VAPID configuration.
type WebPushConfig struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
}

// WebPushNotifier raises OS-level notifications through the Web Push
// protocol against the device's own subscription.
type WebPushNotifier struct {
	cfg WebPushConfig

	mu  sync.RWMutex
	sub *model.PushSubscription
}

func NewWebPushNotifier(cfg WebPushConfig) *WebPushNotifier {
	if cfg.Subscriber == "" {
		cfg.Subscriber = "mailto:noreply@chimeapp.dev"
	}
	return &WebPushNotifier{cfg: cfg}
}

// VAPIDPublicKey returns the public key for client-side subscription.
func (n *WebPushNotifier) VAPIDPublicKey() string {
	return n.cfg.VAPIDPublicKey
}

// SetSubscription installs or clears the device subscription.
func (n *WebPushNotifier) SetSubscription(sub *model.PushSubscription) {
	n.mu.Lock()
	n.sub = sub
	n.mu.Unlock()
}

// HasSubscription reports whether a subscription is currently registered.
func (n *WebPushNotifier) HasSubscription() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.sub != nil
}

// Send delivers one payload to the registered subscription. Returns
// ErrExpired when the push service reports the subscription gone; the caller
// should drop the subscription and stop using this channel.
func (n *WebPushNotifier) Send(payload Payload) error {
	n.mu.RLock()
	sub := n.sub
	n.mu.RUnlock()
	if sub == nil {
		return ErrNoSubscription
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	resp, err := webpush.SendNotification(data, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dhKey,
			Auth:   sub.AuthKey,
		},
	}, &webpush.Options{
		VAPIDPublicKey:  n.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: n.cfg.VAPIDPrivateKey,
		Subscriber:      n.cfg.Subscriber,
		TTL:             86400,
	})
	if err != nil {
		return fmt.Errorf("send push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		return ErrExpired
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("push service returned %d", resp.StatusCode)
	}

	return nil
}

// GenerateVAPIDKeys generates a new ECDSA P-256 key pair for VAPID.
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate ECDSA key: %w", err)
	}

	pubBytes := elliptic.Marshal(elliptic.P256(), key.PublicKey.X, key.PublicKey.Y)
	publicKey = base64.RawURLEncoding.EncodeToString(pubBytes)
	privateKey = base64.RawURLEncoding.EncodeToString(key.D.Bytes())

	return publicKey, privateKey, nil
}
