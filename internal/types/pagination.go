package types

// PageInfo contains pagination metadata for list responses.
type PageInfo struct {
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor,omitempty"`
	TotalItems *int   `json:"total_items,omitempty"`
}

// ResponseMeta carries non-blocking notices attached to successful responses,
// such as deprecation warnings.
type ResponseMeta struct {
	Warnings []string `json:"warnings,omitempty"`
}

// ListResponse is a generic paginated response wrapper.
type ListResponse[T any] struct {
	Data     []T      `json:"data"`
	PageInfo PageInfo `json:"pagination"`
}

// ListAnalysesParams defines filtering parameters for analysis listings.
type ListAnalysesParams struct {
	UserID string         `json:"user_id"`
	Status AnalysisStatus `json:"status,omitempty"`
	Type   AnalysisType   `json:"type,omitempty"`
	Limit  int            `json:"limit,omitempty"`
	Cursor string         `json:"cursor,omitempty"`
}
