package dto

type CreateAccountRequest struct {
	Name     string `json:"name"`
	Currency string `json:"currency"`
}

type AccountResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Currency  string `json:"currency"`
	CreatedAt string `json:"createdAt"`
}
