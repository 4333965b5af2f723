package services

const (
	EventBalance = "BALANCE_UPDATE"
	EventSession = "SESSION_UPDATE"
	EventDeposit = "DEPOSIT_CREDITED"
)

// Notifier pushes state changes to connected clients. Delivery is best
// effort and never affects ledger or session state.
type Notifier interface {
	NotifyUser(userID, eventType string, data interface{})
}

type nopNotifier struct{}

func (nopNotifier) NotifyUser(string, string, interface{}) {}
