package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID         string `json:"id"`
	OntologyID string `json:"ontologyId"`
	ElementID  string `json:"elementId"`
	ChangeType string `json:"changeType"`
	Status     string `json:"status"`
	Snippet    string `json:"snippet"`
}

// Query describes a search request over change requests.
type Query struct {
	Text             string
	FilterOntologyID string
	FilterStatus     string
	Limit            int
	Offset           int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// RequestRecord is the data indexed per change request.
type RequestRecord struct {
	ID          string `json:"id"`
	OntologyID  string `json:"ontologyId"`
	ElementID   string `json:"elementId"`
	ChangeType  string `json:"changeType"`
	Status      string `json:"status"`
	Description string `json:"description"`
	RequesterID string `json:"requesterId"`
}
