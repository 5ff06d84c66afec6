// Package client is the Go SDK for the agent registry HTTP API.
//
// # Registering an agent
//
// Every mutating call needs an owner token:
//
//	c, err := client.New("http://localhost:8080", client.WithBearerToken(token))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	agent, created, err := c.CreateAgent(ctx, client.CreateAgentRequest{
//	    Name: "Translator Bot",
//	    Capabilities: client.Capabilities{
//	        AI:        []string{"translation"},
//	        Protocols: []string{"http"},
//	    },
//	})
//
// The owner's view of a new agent carries its seed. Keep it with
// KeyFromAgent and SaveAgentKey; AgentKey.SigningKey re-derives the ed25519
// key behind the agent's did:key.
//
// # Discovering agents
//
// Search routes between listing, ranked (semantic), lexical and fuzzy
// retrieval. Match is the typo-tolerant capability matcher:
//
//	res, err := c.Search(ctx, client.SearchParams{Keyword: "translate documents"})
//	res, err = c.Match(ctx, "translaton", "pdf")
//
// Registry errors come back as *APIError; IsNotFound checks for a 404.
package client
