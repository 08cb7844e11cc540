package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/goliatone/go-ledgersync/core"
)

// Template binds a provider to how its deliveries are verified, parsed and
// keyed for dedupe.
type Template struct {
	Provider  core.ProviderID
	Verifier  Verifier
	Parse     PayloadParser
	ExtractID DeliveryIDExtractor
}

func (t Template) Validate() error {
	if strings.TrimSpace(string(t.Provider)) == "" {
		return fmt.Errorf("webhooks: template provider is required")
	}
	if t.Verifier == nil {
		return fmt.Errorf("webhooks: %s template requires a verifier", t.Provider)
	}
	if t.Parse == nil {
		return fmt.Errorf("webhooks: %s template requires a payload parser", t.Provider)
	}
	return nil
}

type HeaderHMACVerifier struct {
	Header   string
	Prefix   string
	Secret   string
	Encoding string // hex | base64
}

func (v HeaderHMACVerifier) Verify(_ context.Context, delivery Delivery) error {
	header := headerValue(delivery.Headers, v.Header)
	if header == "" {
		return fmt.Errorf("webhooks: %s signature header is required", strings.TrimSpace(v.Header))
	}
	secret := strings.TrimSpace(v.Secret)
	if secret == "" {
		return fmt.Errorf("webhooks: signature secret is required")
	}
	signature := strings.TrimSpace(strings.TrimPrefix(header, strings.TrimSpace(v.Prefix)))
	if signature == "" {
		return fmt.Errorf("webhooks: signature value is required")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(delivery.Body)
	expected := mac.Sum(nil)

	var decoded []byte
	var err error
	switch strings.ToLower(strings.TrimSpace(v.Encoding)) {
	case "base64":
		decoded, err = base64.StdEncoding.DecodeString(signature)
	default:
		decoded, err = hex.DecodeString(signature)
	}
	if err != nil {
		return fmt.Errorf("webhooks: decode signature: %w", err)
	}
	if subtle.ConstantTimeCompare(decoded, expected) != 1 {
		return fmt.Errorf("webhooks: signature verification failed")
	}
	return nil
}

// SignBase64 returns the base64 HMAC-SHA256 of body, as Xero and QuickBooks
// send it.
func SignBase64(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(strings.TrimSpace(secret)))
	_, _ = mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

const (
	XeroSignatureHeader       = "X-Xero-Signature"
	QuickBooksSignatureHeader = "Intuit-Signature"
)

// NewXeroTemplate verifies with the app's webhook key. Only invoice events
// map to a synced resource.
func NewXeroTemplate(webhookKey string) Template {
	return Template{
		Provider: core.ProviderXero,
		Verifier: HeaderHMACVerifier{
			Header:   XeroSignatureHeader,
			Secret:   webhookKey,
			Encoding: "base64",
		},
		Parse:     ParseXeroPayload,
		ExtractID: BodyDigestDeliveryID,
	}
}

// NewQuickBooksTemplate verifies with the app's verifier token.
func NewQuickBooksTemplate(verifierToken string) Template {
	return Template{
		Provider: core.ProviderQuickBooks,
		Verifier: HeaderHMACVerifier{
			Header:   QuickBooksSignatureHeader,
			Secret:   verifierToken,
			Encoding: "base64",
		},
		Parse:     ParseQuickBooksPayload,
		ExtractID: BodyDigestDeliveryID,
	}
}

type xeroPayload struct {
	Events []struct {
		TenantID      string `json:"tenantId"`
		EventCategory string `json:"eventCategory"`
		EventType     string `json:"eventType"`
		ResourceID    string `json:"resourceId"`
	} `json:"events"`
	FirstEventSequence int    `json:"firstEventSequence"`
	LastEventSequence  int    `json:"lastEventSequence"`
	Entropy            string `json:"entropy"`
}

var xeroCategories = map[string]core.ResourceType{
	"INVOICE": core.ResourceInvoices,
}

func ParseXeroPayload(body []byte) ([]Notification, error) {
	var payload xeroPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	var out []Notification
	for _, event := range payload.Events {
		resource, ok := xeroCategories[strings.ToUpper(strings.TrimSpace(event.EventCategory))]
		if !ok {
			continue
		}
		out = append(out, Notification{
			TenantID:      strings.TrimSpace(event.TenantID),
			ResourceTypes: []core.ResourceType{resource},
		})
	}
	return out, nil
}

type quickBooksPayload struct {
	EventNotifications []struct {
		RealmID         string `json:"realmId"`
		DataChangeEvent struct {
			Entities []struct {
				Name      string `json:"name"`
				ID        string `json:"id"`
				Operation string `json:"operation"`
			} `json:"entities"`
		} `json:"dataChangeEvent"`
	} `json:"eventNotifications"`
}

var quickBooksEntities = map[string]core.ResourceType{
	"purchase": core.ResourceBankTransactions,
	"bill":     core.ResourceInvoices,
}

func ParseQuickBooksPayload(body []byte) ([]Notification, error) {
	var payload quickBooksPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	var out []Notification
	for _, notification := range payload.EventNotifications {
		var types []core.ResourceType
		for _, entity := range notification.DataChangeEvent.Entities {
			if resource, ok := quickBooksEntities[strings.ToLower(strings.TrimSpace(entity.Name))]; ok {
				types = append(types, resource)
			}
		}
		if len(types) == 0 {
			continue
		}
		out = append(out, Notification{
			TenantID:      strings.TrimSpace(notification.RealmID),
			ResourceTypes: types,
		})
	}
	return out, nil
}
