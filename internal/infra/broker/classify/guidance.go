package classify

type guidance struct {
	message string
	actions []string
}

var guide = map[string]guidance{
	CodeTokenExpired: {
		"Your broker session has expired.",
		[]string{"Reconnect your broker account", "Retry the request after reconnecting"},
	},
	CodeTokenRevoked: {
		"Your broker has revoked access for this account.",
		[]string{"Reconnect your broker account", "Check the account status with your broker"},
	},
	CodeUnauthorized: {
		"The broker did not accept your credentials.",
		[]string{"Check your broker credentials", "Reconnect your broker account"},
	},
	CodeForbidden: {
		"This account is not permitted to perform the operation.",
		[]string{"Check the permissions enabled on your broker account"},
	},
	CodeTimeout: {
		"The broker took too long to respond.",
		[]string{"Wait a moment and try again", "Check the order book before placing the order again"},
	},
	CodeConnection: {
		"We could not reach the broker.",
		[]string{"Wait a moment and try again", "Check the broker's service status"},
	},
	CodeRateLimited: {
		"Too many requests were sent to the broker.",
		[]string{"Wait before trying again", "Reduce how often you send requests"},
	},
	CodeOrderNotFound: {
		"The broker has no record of this order.",
		[]string{"Refresh your order book", "Verify the order was placed"},
	},
	CodeServerError: {
		"The broker is having technical problems.",
		[]string{"Try again in a few minutes", "Check the broker's service status"},
	},
	CodeServerMaintenance: {
		"The broker is under maintenance.",
		[]string{"Try again after the maintenance window"},
	},
	CodeInvalidQuantity: {
		"The order quantity is not valid for this instrument.",
		[]string{"Use a multiple of the lot size", "Reduce order size"},
	},
	CodeInvalidPrice: {
		"The order price is not valid for this instrument.",
		[]string{"Use a price that is a multiple of the tick size", "Check the price band for the instrument"},
	},
	CodeInvalidSymbol: {
		"The instrument could not be found.",
		[]string{"Check the symbol and exchange"},
	},
	CodeInvalidRequest: {
		"The order details are not valid.",
		[]string{"Review the order details and try again"},
	},
	CodeMarketClosed: {
		"The market is closed for this instrument.",
		[]string{"Place the order during trading hours", "Use an after-market order if your broker supports it"},
	},
	CodeInsufficientFunds: {
		"There are not enough funds or margin for this order.",
		[]string{"Add funds to your account", "Reduce order size"},
	},
	CodeCircuitLimit: {
		"The price is outside the instrument's allowed range today.",
		[]string{"Use a price within the circuit limits", "Try again later"},
	},
	CodeRiskRejected: {
		"The broker's risk checks rejected the order.",
		[]string{"Review the order against your broker's risk limits", "Contact your broker"},
	},
	CodeCancelled: {
		"The request was cancelled.",
		[]string{"Try again"},
	},
	CodeUnexpected: {
		"An unexpected error occurred.",
		[]string{"Try again later", "Contact support if the problem persists"},
	},
}

// Message returns the user-facing message for a classification code.
func Message(code string) string {
	if g, ok := guide[code]; ok {
		return g.message
	}
	return guide[CodeUnexpected].message
}
