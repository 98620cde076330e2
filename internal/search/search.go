package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultRock  ResultType = "rock"
	ResultIssue ResultType = "issue"
	ResultTodo  ResultType = "todo"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type       ResultType `json:"type"`
	ID         int64      `json:"id"`
	DivisionID int64      `json:"division_id"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet,omitempty"`
	Owner      string     `json:"owner,omitempty"`
	Status     string     `json:"status,omitempty"`
}

// Query describes a search request. Unless All is set, only DivisionIDs are
// searched, and an empty list finds nothing.
type Query struct {
	Text        string
	FilterType  ResultType // empty = all types
	All         bool
	DivisionIDs []int64
	Limit       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Record is the data we index for a rock, issue or todo.
type Record struct {
	ID         string     `json:"id"`
	Type       ResultType `json:"type"`
	EntityID   int64      `json:"entityId"`
	DivisionID int64      `json:"divisionId"`
	Title      string     `json:"title"`
	Body       string     `json:"body"`
	Owner      string     `json:"owner"`
	Status     string     `json:"status"`
}

// RecordID is the index key of an entity.
func RecordID(t ResultType, id int64) string {
	return string(t) + "-" + itoa(id)
}
