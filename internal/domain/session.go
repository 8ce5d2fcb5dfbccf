package domain

import "time"

// Session is the cache-resident record backing one access/refresh token pair.
// A token is only honored while its session exists; deleting the session
// makes every token that references it inert.
type Session struct {
	ID         string    `json:"id"`
	UserID     int64     `json:"user_id"`
	Email      string    `json:"email"`
	Role       string    `json:"role"`
	DeviceInfo string    `json:"device_info,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
