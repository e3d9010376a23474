// Package client is a Go client for the gateway's HTTP API.
//
// Every call returns a *failure.Error (aliased as Error) whose Code is either
// the code sent by the gateway or one of the client-side codes HTTP_ERROR,
// INVALID_RESPONSE, VALIDATION_ERROR, STREAM_ERROR, SSE_PARSE_ERROR,
// NO_SESSION and NO_USAGE.
//
//	c, _ := client.New(client.Config{BaseURL: "http://localhost:3100", AuthKey: key})
//	s, err := c.StreamText(ctx, client.Request{Prompt: "Hello"})
//	for chunk := range s.TextStream() {
//		fmt.Print(chunk)
//	}
//	usage, err := s.Usage(ctx)
package client
