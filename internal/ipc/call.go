package ipc

// Call sends msg on ep and blocks for the matching reply, the
// canonical client side of a request/response exchange. A fresh
// one-shot reply endpoint is minted per call and threaded through
// msg.replyTo so the eventual Reply/ReplyReceive on the server side
// knows where to answer.
func Call(ep *Endpoint, msg *Message, nonBlocking bool) (*Message, error) {
	reply := NewEndpoint(FlagReplyEndpoint)
	msg.replyTo = reply
	if err := ep.Send(msg, nonBlocking); err != nil {
		return nil, err
	}
	var resp Message
	if err := reply.Recv(&resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Reply answers the call that produced request by sending resp on its
// one-shot reply endpoint. If the client has not yet reached its Recv
// on that endpoint (Call only enters it after its Send returns), Reply
// blocks until it does.
func Reply(request *Message, resp *Message) error {
	if request.replyTo == nil {
		return nil
	}
	return request.replyTo.Send(resp, false)
}

// ReplyReceive atomically answers the previous request (if any) and
// blocks for the next one on ep — the canonical server loop body.
func ReplyReceive(prevRequest *Message, resp *Message, ep *Endpoint, next *Message) error {
	if prevRequest != nil {
		if err := Reply(prevRequest, resp); err != nil {
			return err
		}
	}
	return ep.Recv(next, false)
}
