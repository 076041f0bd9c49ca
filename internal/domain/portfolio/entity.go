// internal/domain/portfolio/entity.go
package portfolio

import "time"

// Portfolio groups a subject's holdings. Every subject owns exactly one
// default portfolio created during provisioning.
type Portfolio struct {
	ID           int64     `json:"id" db:"id"`
	UserID       int64     `json:"user_id" db:"user_id"`
	Name         string    `json:"name" db:"name"`
	BaseCurrency string    `json:"base_currency" db:"base_currency"`
	IsDefault    bool      `json:"is_default" db:"is_default"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Holding is a position inside a portfolio. UserID is denormalized so the
// row-isolation policy can check ownership without a join.
type Holding struct {
	ID          int64     `json:"id" db:"id"`
	PortfolioID int64     `json:"portfolio_id" db:"portfolio_id"`
	UserID      int64     `json:"user_id" db:"user_id"`
	Symbol      string    `json:"symbol" db:"symbol"`
	Quantity    string    `json:"quantity" db:"quantity"`
	CostBasis   string    `json:"cost_basis" db:"cost_basis"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// User mirrors the subject's own row as visible through row isolation.
type User struct {
	ID        int64     `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	Role      string    `json:"role" db:"role"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
