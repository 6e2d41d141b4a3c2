// Package event defines the transaction event consumed by the decision engine.
//
// A TransactionEvent is created by the caller and never mutated. All scoring
// state derived from events lives in the feature store, keyed by the entity
// identifiers carried here.
package event

import (
	"time"

	"github.com/sentrapay/fraud-engine/internal/validation"
)

// Type is the event subtype being decided on.
type Type string

const (
	TypePurchase      Type = "purchase"
	TypeSIMActivation Type = "sim_activation"
	TypeLogin         Type = "login"
	TypeAccountUpdate Type = "account_update"
	TypeTopUp         Type = "top_up"
)

// DeviceFlags carries device and network signals supplied by the caller's
// fingerprinting layer. Confirmed flags are trusted and feed hard overrides;
// the rest only contribute to detector scores.
type DeviceFlags struct {
	Emulator     bool `json:"emulator"`
	Rooted       bool `json:"rooted"`
	TorExit      bool `json:"torExit"`
	VPN          bool `json:"vpn"`
	DatacenterIP bool `json:"datacenterIp"`
}

// TransactionEvent is the immutable input to a decision.
type TransactionEvent struct {
	TransactionID string      `json:"transactionId"`
	CardToken     string      `json:"cardToken,omitempty"`
	DeviceID      string      `json:"deviceId,omitempty"`
	IP            string      `json:"ip,omitempty"`
	AccountID     string      `json:"accountId,omitempty"`
	Phone         string      `json:"phone,omitempty"`
	IMEI          string      `json:"imei,omitempty"`
	Amount        float64     `json:"amount"`
	Currency      string      `json:"currency"`
	Type          Type        `json:"type"`
	Timestamp     time.Time   `json:"timestamp"`
	IPCountry     string      `json:"ipCountry,omitempty"`
	CardCountry   string      `json:"cardCountry,omitempty"`
	Flags         DeviceFlags `json:"flags"`
}

// Keys identifies the entities a transaction touches. Empty strings mean the
// identifier was not supplied (e.g. a login event has no card token).
type Keys struct {
	Card    string
	Device  string
	IP      string
	Account string
}

// Keys returns the entity identifiers present on the event.
func (e *TransactionEvent) Keys() Keys {
	return Keys{
		Card:    e.CardToken,
		Device:  e.DeviceID,
		IP:      e.IP,
		Account: e.AccountID,
	}
}

// HasEntity reports whether at least one entity identifier is present.
func (k Keys) HasEntity() bool {
	return k.Card != "" || k.Device != "" || k.IP != "" || k.Account != ""
}

// Validate checks the event is well-formed enough to decide on. A missing
// transaction id or a complete absence of entity identifiers is a caller
// error; everything else degrades gracefully downstream.
func (e *TransactionEvent) Validate() validation.ValidationErrors {
	errs := validation.Validate(
		validation.Required("transactionId", e.TransactionID),
		validation.ValidToken("transactionId", e.TransactionID),
		validation.ValidToken("cardToken", e.CardToken),
		validation.ValidToken("deviceId", e.DeviceID),
		validation.ValidToken("accountId", e.AccountID),
	)

	if !e.Keys().HasEntity() {
		errs = append(errs, validation.ValidationError{
			Field:   "entity",
			Message: "at least one of cardToken, deviceId, ip, accountId is required",
		})
	}
	if e.Amount < 0 {
		errs = append(errs, validation.ValidationError{Field: "amount", Message: "must be non-negative"})
	}
	if e.Currency != "" && !validation.IsValidCurrency(e.Currency) {
		errs = append(errs, validation.ValidationError{Field: "currency", Message: "must be an ISO 4217 code"})
	}
	if e.IPCountry != "" && !validation.IsValidCountry(e.IPCountry) {
		errs = append(errs, validation.ValidationError{Field: "ipCountry", Message: "must be an ISO 3166-1 alpha-2 code"})
	}
	if e.CardCountry != "" && !validation.IsValidCountry(e.CardCountry) {
		errs = append(errs, validation.ValidationError{Field: "cardCountry", Message: "must be an ISO 3166-1 alpha-2 code"})
	}
	return errs
}
