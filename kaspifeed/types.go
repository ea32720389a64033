package kaspifeed

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// Order lifecycle states as the marketplace reports them.
const (
	StateNew      = "NEW"
	StateDelivery = "KASPI_DELIVERY"
	StateArchive  = "ARCHIVE"
)

// Order statuses within a state.
const (
	StatusApprovedByBank     = "APPROVED_BY_BANK"
	StatusAcceptedByMerchant = "ACCEPTED_BY_MERCHANT"
	StatusAssemble           = "ASSEMBLE"
	StatusCancelled          = "CANCELLED"
	StatusReturned           = "RETURNED"
)

// Page sizes per feed query, sized to the usual volume of each state.
const (
	PageSizeNew      = 100
	PageSizeDelivery = 20
	PageSizeArchive  = 50
)

type Customer struct {
	Name      string `json:"name"`
	CellPhone string `json:"cellPhone"`
}

type KaspiDelivery struct {
	Waybill string `json:"waybill"`
}

type OrderAttributes struct {
	Code          string        `json:"code"`
	Status        string        `json:"status"`
	State         string        `json:"state"`
	PickupPointId string        `json:"pickupPointId"`
	Customer      Customer      `json:"customer"`
	KaspiDelivery KaspiDelivery `json:"kaspiDelivery"`
}

type Order struct {
	ID         string          `json:"id" validate:"required"`
	Attributes OrderAttributes `json:"attributes"`
}

type Offer struct {
	Code string `json:"code" validate:"required"`
	Name string `json:"name"`
}

type LineItemAttributes struct {
	Quantity   int         `json:"quantity" validate:"min=1"`
	TotalPrice json.Number `json:"totalPrice"`
	Offer      Offer       `json:"offer"`
}

type LineItem struct {
	ID         string             `json:"id"`
	Attributes LineItemAttributes `json:"attributes"`
}

// FeedQuery selects one page of orders by lifecycle state and status
// inside a UTC creation-date window (epoch-millisecond strings).
type FeedQuery struct {
	State    string
	Status   string
	FromMs   string
	ToMs     string
	PageSize int
}

var validate = validator.New()

// Validate rejects payloads missing the identity every pipeline needs.
func (o Order) Validate() error {
	return validate.Struct(o)
}

// ValidateForAcceptance additionally requires the human order code,
// which the acceptance mutation echoes back to the marketplace.
func (o Order) ValidateForAcceptance() error {
	if err := validate.Struct(o); err != nil {
		return err
	}
	return validate.Var(o.Attributes.Code, "required")
}

func (li LineItem) Validate() error {
	return validate.Struct(li)
}

// APIError is a non-2xx feed response on a fetch endpoint.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kaspi api error %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether retrying the same request may help.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
