// internal/domain/portfolio/dto.go
package portfolio

// CreateHoldingRequest adds a position to a portfolio. Quantity and cost
// basis travel as strings so the database keeps exact numeric values.
type CreateHoldingRequest struct {
	PortfolioID int64  `json:"portfolio_id" binding:"required"`
	Symbol      string `json:"symbol" binding:"required,max=16"`
	Quantity    string `json:"quantity" binding:"required"`
	CostBasis   string `json:"cost_basis" binding:"required"`
}
