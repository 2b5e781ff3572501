package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"
)

func strSchema(description string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Description: description}
}

// RegisterBuiltins installs the six contractual built-in tools. Behavior
// (names, argument shapes, and return shapes) mirrors the Tool Registry
// contract exactly; state is process-local in-memory data standing in
// for what would otherwise be store-backed lookups.
func RegisterBuiltins(r *Registry) {
	r.Register(Definition{
		Name:        "check_order_status",
		Description: "Look up the shipping status of an order by id.",
		Parameters: &jsonschema.Schema{
			Type:       "object",
			Properties: map[string]*jsonschema.Schema{"order_id": strSchema("The order identifier.")},
			Required:   []string{"order_id"},
		},
	}, checkOrderStatus)

	r.Register(Definition{
		Name:        "check_item_stock",
		Description: "Check whether an item is in stock and its quantity.",
		Parameters: &jsonschema.Schema{
			Type:       "object",
			Properties: map[string]*jsonschema.Schema{"item_name": strSchema("The item's name, case-insensitive.")},
			Required:   []string{"item_name"},
		},
	}, checkItemStock)

	r.Register(Definition{
		Name:        "book_appointment",
		Description: "Book an appointment slot for a customer.",
		Parameters: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"customer_name": strSchema("The customer's full name."),
				"date":          strSchema("Appointment date, YYYY-MM-DD."),
				"time":          strSchema("Appointment time, HH:MM."),
				"service_type":  strSchema("Optional service type."),
			},
			Required: []string{"customer_name", "date", "time"},
		},
	}, bookAppointment)

	r.Register(Definition{
		Name:        "search_faq",
		Description: "Search the FAQ knowledge base by keyword.",
		Parameters: &jsonschema.Schema{
			Type:       "object",
			Properties: map[string]*jsonschema.Schema{"question": strSchema("The customer's question.")},
			Required:   []string{"question"},
		},
	}, searchFAQ)

	r.Register(Definition{
		Name:        "get_customer_profile",
		Description: "Look up a customer profile by id or phone number.",
		Parameters: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"customer_id":   strSchema("Optional customer id."),
				"phone_number":  strSchema("Optional phone number, used to resolve customer id first."),
			},
		},
	}, getCustomerProfile)

	r.Register(Definition{
		Name:        "trigger_human_handoff",
		Description: "Escalate the call to a human agent.",
		Parameters: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"reason":   strSchema("Why the call is being escalated."),
				"priority": strSchema("Optional priority; \"urgent\" shortens the estimated wait."),
			},
			Required: []string{"reason"},
		},
	}, triggerHumanHandoff)
}

type orderStatusArgs struct {
	OrderID string `json:"order_id"`
}

var orderStatuses = map[string]string{
	"123": "Shipped - Arriving Tuesday",
	"456": "Processing",
	"789": "Delivered",
}

func checkOrderStatus(ctx context.Context, argsJSON string) (string, error) {
	var args orderStatusArgs
	if err := decodeArgs(argsJSON, &args); err != nil {
		return "", fmt.Errorf("check_order_status: %w", err)
	}
	status, ok := orderStatuses[args.OrderID]
	if !ok {
		status = "Unknown order"
	}
	return encodeResult(map[string]string{"status": status})
}

type itemStockArgs struct {
	ItemName string `json:"item_name"`
}

var itemStock = map[string]int{
	"widget":    42,
	"gadget":    0,
	"gizmo":     7,
}

func checkItemStock(ctx context.Context, argsJSON string) (string, error) {
	var args itemStockArgs
	if err := decodeArgs(argsJSON, &args); err != nil {
		return "", fmt.Errorf("check_item_stock: %w", err)
	}
	qty, ok := itemStock[strings.ToLower(strings.TrimSpace(args.ItemName))]
	if !ok {
		return encodeResult(map[string]interface{}{
			"available": false,
			"quantity":  0,
			"message":   "Unknown item",
		})
	}
	return encodeResult(map[string]interface{}{
		"available": qty > 0,
		"quantity":  qty,
		"message":   "",
	})
}

type bookAppointmentArgs struct {
	CustomerName string `json:"customer_name"`
	Date         string `json:"date"`
	Time         string `json:"time"`
	ServiceType  string `json:"service_type"`
}

var (
	bookingsMu sync.Mutex
	bookings   = map[string]string{}
	nextConfirmation = 1000
)

func bookAppointment(ctx context.Context, argsJSON string) (string, error) {
	var args bookAppointmentArgs
	if err := decodeArgs(argsJSON, &args); err != nil {
		return "", fmt.Errorf("book_appointment: %w", err)
	}

	key := args.Date + " " + args.Time

	bookingsMu.Lock()
	defer bookingsMu.Unlock()

	if _, taken := bookings[key]; taken {
		return encodeResult(map[string]interface{}{
			"success": false,
			"message": "That slot is already booked.",
		})
	}

	nextConfirmation++
	confirmation := fmt.Sprintf("CONF-%d", nextConfirmation)
	bookings[key] = confirmation

	return encodeResult(map[string]interface{}{
		"success":             true,
		"confirmation_number": confirmation,
		"message":             "Appointment booked.",
	})
}

type searchFAQArgs struct {
	Question string `json:"question"`
}

var faqEntries = map[string]string{
	"return":   "You can return items within 30 days of purchase.",
	"shipping": "Standard shipping takes 3-5 business days.",
	"hours":    "Our support line is open 9am-6pm, Monday through Friday.",
}

func searchFAQ(ctx context.Context, argsJSON string) (string, error) {
	var args searchFAQArgs
	if err := decodeArgs(argsJSON, &args); err != nil {
		return "", fmt.Errorf("search_faq: %w", err)
	}
	q := strings.ToLower(args.Question)
	for keyword, answer := range faqEntries {
		if strings.Contains(q, keyword) {
			return encodeResult(map[string]interface{}{"found": true, "answer": answer})
		}
	}
	return encodeResult(map[string]interface{}{"found": false, "answer": ""})
}

type customerProfileArgs struct {
	CustomerID  string `json:"customer_id"`
	PhoneNumber string `json:"phone_number"`
}

var phoneToCustomerID = map[string]string{
	"+15551234567": "cust-1",
}

var customerProfiles = map[string]map[string]interface{}{
	"cust-1": {"customer_id": "cust-1", "name": "Jordan Lee", "tier": "gold"},
}

func getCustomerProfile(ctx context.Context, argsJSON string) (string, error) {
	var args customerProfileArgs
	if err := decodeArgs(argsJSON, &args); err != nil {
		return "", fmt.Errorf("get_customer_profile: %w", err)
	}

	customerID := args.CustomerID
	if customerID == "" && args.PhoneNumber != "" {
		customerID = phoneToCustomerID[args.PhoneNumber]
	}

	profile, ok := customerProfiles[customerID]
	if !ok {
		return encodeResult(map[string]interface{}{"found": false})
	}
	result := map[string]interface{}{"found": true}
	for k, v := range profile {
		result[k] = v
	}
	return encodeResult(result)
}

type handoffArgs struct {
	Reason   string `json:"reason"`
	Priority string `json:"priority"`
}

func triggerHumanHandoff(ctx context.Context, argsJSON string) (string, error) {
	var args handoffArgs
	if err := decodeArgs(argsJSON, &args); err != nil {
		return "", fmt.Errorf("trigger_human_handoff: %w", err)
	}
	wait := "5-10 minutes"
	if strings.EqualFold(args.Priority, "urgent") {
		wait = "1-2 minutes"
	}
	return encodeResult(map[string]interface{}{
		"handoff_initiated": true,
		"estimated_wait":    wait,
	})
}
