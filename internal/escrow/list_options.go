package escrow

// SortOrder defines how results should be ordered when listing jobs.
type SortOrder int

const (
	// SortByCreatedDesc orders jobs by CreatedAt descending (most recent first).
	SortByCreatedDesc SortOrder = iota
	// SortByCreatedAsc orders jobs by CreatedAt ascending (oldest first).
	SortByCreatedAsc
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// ListOptions controls how jobs are selected when querying a backend.
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []Status
	Requester  *Actor
	Agent      *Actor
	Asset      *Asset
	CreatedGTE int64
	CreatedLTE int64
	Order      SortOrder
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = defaultListLimit
	}
	if opts.Limit > maxListLimit {
		opts.Limit = maxListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
	if opts.Order != SortByCreatedAsc {
		opts.Order = SortByCreatedDesc
	}
}

// Matches reports whether the job passes every filter in opts. Pagination and
// ordering are left to the backend.
func (opts ListOptions) Matches(job *Job) bool {
	if job == nil {
		return false
	}
	if len(opts.Statuses) > 0 {
		found := false
		for _, status := range opts.Statuses {
			if job.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if opts.Requester != nil && job.Requester != *opts.Requester {
		return false
	}
	if opts.Agent != nil && job.Agent != *opts.Agent {
		return false
	}
	if opts.Asset != nil && job.Asset != *opts.Asset {
		return false
	}
	if opts.CreatedGTE > 0 && job.CreatedAt < opts.CreatedGTE {
		return false
	}
	if opts.CreatedLTE > 0 && job.CreatedAt > opts.CreatedLTE {
		return false
	}
	return true
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of jobs returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching jobs before returning results.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithStatuses filters jobs by the provided statuses.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithRequester filters jobs created by the given requester.
func WithRequester(requester Actor) ListOption {
	return func(opts *ListOptions) {
		opts.Requester = &requester
	}
}

// WithAgent filters jobs accepted by the given agent.
func WithAgent(agent Actor) ListOption {
	return func(opts *ListOptions) {
		opts.Agent = &agent
	}
}

// WithAsset filters jobs escrowing the given asset.
func WithAsset(asset Asset) ListOption {
	return func(opts *ListOptions) {
		opts.Asset = &asset
	}
}

// WithCreatedBetween filters jobs by creation time, both bounds inclusive. Zero
// disables a bound.
func WithCreatedBetween(from, to int64) ListOption {
	return func(opts *ListOptions) {
		opts.CreatedGTE = from
		opts.CreatedLTE = to
	}
}

// WithSortOrder changes the returned order of jobs.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// BuildListOptions applies option functions on top of defaults.
func BuildListOptions(opts ...ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStatuses(input []Status) []Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(input))
	result := make([]Status, 0, len(input))
	for _, status := range input {
		if !status.Valid() {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
