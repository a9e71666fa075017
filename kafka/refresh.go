package kafka

import "context"

// Refresher reloads the carts a user has open in other sessions
type Refresher interface {
	RefreshUser(ctx context.Context, userID, originSession string) error
}

// RefreshOtherSessions re-fetches the user's other open carts after a change
// made elsewhere. Guest events carry no user and are ignored.
func RefreshOtherSessions(sessions Refresher) EventHandler {
	return func(ctx context.Context, event CartEvent) error {
		if event.UserID == "" {
			return nil
		}
		return sessions.RefreshUser(ctx, event.UserID, event.SessionID)
	}
}

// Subscribe registers the cross-device refresh for every cart event type
func Subscribe(c *Consumer, sessions Refresher) {
	handler := RefreshOtherSessions(sessions)
	c.RegisterHandler(EventTypeCartUpdated, handler)
	c.RegisterHandler(EventTypeCartReconciled, handler)
}
