package tokenize

import "github.com/fairyhunter13/codegraph-pipeline/internal/domain"

// DomainCounter adapts Counter to domain.TokenCounter by binding a fixed
// model name, since the batcher counts tokens against one configured LLM
// regardless of which provider ultimately serves a request.
type DomainCounter struct {
	counter *Counter
	model   string
}

// NewDomainCounter constructs a domain.TokenCounter bound to model.
func NewDomainCounter(model string) *DomainCounter {
	return &DomainCounter{counter: NewCounter(), model: model}
}

// CountTokens implements domain.TokenCounter.
func (c *DomainCounter) CountTokens(text string) (int, error) {
	return c.counter.CountTokens(text, c.model)
}

var _ domain.TokenCounter = (*DomainCounter)(nil)
