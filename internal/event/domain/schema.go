package domain

import "fmt"

// FieldKind constrains a metadata field's JSON type.
type FieldKind string

const (
	KindString FieldKind = "string"
	KindNumber FieldKind = "number"
	KindBool   FieldKind = "bool"
	KindObject FieldKind = "object"
)

// Field describes one metadata entry in an event schema.
type Field struct {
	Kind     FieldKind
	Required bool
}

// Schema is the metadata contract for one event type. When AllowExtra is
// false, unknown metadata keys are rejected.
type Schema struct {
	Fields     map[string]Field
	AllowExtra bool
}

var schemas = map[EventType]Schema{
	CustomerCreated: {
		Fields: map[string]Field{
			"customerId": {Kind: KindString, Required: true},
			"source":     {Kind: KindString},
		},
	},
	CustomerUpdated: {
		Fields: map[string]Field{
			"customerId": {Kind: KindString, Required: true},
			"changes":    {Kind: KindObject},
		},
	},
	TransactionSucceeded: {
		Fields: map[string]Field{
			"transactionId":   {Kind: KindString, Required: true},
			"provider":        {Kind: KindString, Required: true},
			"amountCents":     {Kind: KindNumber, Required: true},
			"currency":        {Kind: KindString, Required: true},
			"merchantCents":   {Kind: KindNumber},
			"platformCents":   {Kind: KindNumber},
			"platformFee":     {Kind: KindNumber},
			"providerEventId": {Kind: KindString},
		},
	},
	TransactionRefunded: {
		Fields: map[string]Field{
			"transactionId": {Kind: KindString, Required: true},
			"provider":      {Kind: KindString, Required: true},
			"refundedCents": {Kind: KindNumber, Required: true},
		},
	},
	TransactionFailed: {
		Fields: map[string]Field{
			"transactionId": {Kind: KindString, Required: true},
			"provider":      {Kind: KindString, Required: true},
			"reason":        {Kind: KindString},
		},
	},
	LoyaltyPointsEarned: {
		Fields: map[string]Field{
			"customerId": {Kind: KindString, Required: true},
			"points":     {Kind: KindNumber, Required: true},
		},
	},
	LoyaltyPointsRedeemed: {
		Fields: map[string]Field{
			"customerId": {Kind: KindString, Required: true},
			"points":     {Kind: KindNumber, Required: true},
			"reward":     {Kind: KindString},
		},
	},
	CommunicationMessageSent: {
		Fields: map[string]Field{
			"channel":    {Kind: KindString, Required: true},
			"customerId": {Kind: KindString},
		},
		AllowExtra: true,
	},
	MembershipActivated: {
		Fields: map[string]Field{
			"membershipId": {Kind: KindString, Required: true},
			"planId":       {Kind: KindString},
		},
	},
	MembershipCanceled: {
		Fields: map[string]Field{
			"membershipId": {Kind: KindString, Required: true},
			"reason":       {Kind: KindString},
		},
	},
	AIInsightGenerated: {
		Fields: map[string]Field{
			"insightId": {Kind: KindString, Required: true},
			"model":     {Kind: KindString},
		},
		AllowExtra: true,
	},
	SystemTest: {
		Fields:     map[string]Field{},
		AllowExtra: true,
	},
}

// SchemaFor returns the registered schema for an event type.
func SchemaFor(t EventType) (Schema, bool) {
	s, ok := schemas[t]
	return s, ok
}

// ValidateMetadata checks metadata against the schema for the event type.
func ValidateMetadata(t EventType, metadata map[string]any) error {
	schema, ok := SchemaFor(t)
	if !ok {
		return ErrUnknownEventType
	}

	for name, field := range schema.Fields {
		value, present := metadata[name]
		if !present {
			if field.Required {
				return &ValidationError{Field: name, Reason: "required field missing"}
			}
			continue
		}
		if !matchesKind(value, field.Kind) {
			return &ValidationError{Field: name, Reason: fmt.Sprintf("expected %s", field.Kind)}
		}
	}

	if !schema.AllowExtra {
		for name := range metadata {
			if _, ok := schema.Fields[name]; !ok {
				return &ValidationError{Field: name, Reason: "unexpected field"}
			}
		}
	}
	return nil
}

func matchesKind(value any, kind FieldKind) bool {
	if value == nil {
		return false
	}
	switch kind {
	case KindString:
		_, ok := value.(string)
		return ok
	case KindNumber:
		switch value.(type) {
		case float64, float32, int, int32, int64, uint, uint32, uint64:
			return true
		}
		return false
	case KindBool:
		_, ok := value.(bool)
		return ok
	case KindObject:
		_, ok := value.(map[string]any)
		return ok
	default:
		return false
	}
}
