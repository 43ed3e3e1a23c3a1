package domain

// Status is the order lifecycle state. The set is closed; legality of every
// move lives in the transitions table.
type Status string

const (
	StatusPaid            Status = "PAID"
	StatusShipped         Status = "SHIPPED"
	StatusInTransit       Status = "IN_TRANSIT"
	StatusDelivered       Status = "DELIVERED"
	StatusCancelled       Status = "CANCELLED"
	StatusRefundRequested Status = "REFUND_REQUESTED"
	StatusRefunded        Status = "REFUNDED"
)

var transitions = map[Status][]Status{
	StatusPaid:            {StatusShipped, StatusCancelled},
	StatusShipped:         {StatusInTransit, StatusCancelled},
	StatusInTransit:       {StatusDelivered},
	StatusDelivered:       {StatusRefundRequested},
	StatusRefundRequested: {StatusRefunded},
}

var notifying = map[Status]bool{
	StatusShipped:   true,
	StatusCancelled: true,
	StatusRefunded:  true,
}

func ParseStatus(raw string) (Status, bool) {
	s := Status(raw)
	switch s {
	case StatusPaid, StatusShipped, StatusInTransit, StatusDelivered,
		StatusCancelled, StatusRefundRequested, StatusRefunded:
		return s, true
	}
	return "", false
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// NotifiesOn reports whether entering s sends a customer notification.
func (s Status) NotifiesOn() bool {
	return notifying[s]
}

// Compensates reports whether entering s reverses the captured charge.
func (s Status) Compensates() bool {
	return s == StatusCancelled || s == StatusRefunded
}

func (s Status) String() string { return string(s) }
