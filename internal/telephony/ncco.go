package telephony

// NCCO is the call-control document served from the answer webhook. The
// provider fetches it when a leg picks up and executes the actions in order.
type NCCO []Action

type Action map[string]any

func conversationName(conversationID string) string {
	return "conv-" + conversationID
}

// OperatorNCCO parks the answered operator leg in the conversation without
// starting it: startOnEnter false keeps the room idle, and hold music plays
// until the customer joins. The operator never listens to ringing tones.
func OperatorNCCO(conversationID, musicOnHoldURL string) NCCO {
	a := Action{
		"action":       "conversation",
		"name":         conversationName(conversationID),
		"startOnEnter": false,
	}
	if musicOnHoldURL != "" {
		a["musicOnHoldUrl"] = []string{musicOnHoldURL}
	}
	return NCCO{a}
}

// CustomerNCCO joins the customer into the conversation; their entry starts
// the room and cuts the operator's hold music.
func CustomerNCCO(conversationID string) NCCO {
	return NCCO{Action{
		"action": "conversation",
		"name":   conversationName(conversationID),
	}}
}
