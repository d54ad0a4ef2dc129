package types

// StatusSuccess is the only top-level status a completed refresh reports.
const StatusSuccess = "success"

// ReconciliationReport is the result of refreshing one group.
type ReconciliationReport struct {
	Status string       `json:"status"`
	Repos  []RepoReport `json:"repos"`
}

// NewReconciliationReport wraps per-repo results in a successful report.
func NewReconciliationReport(repos []RepoReport) *ReconciliationReport {
	if repos == nil {
		repos = []RepoReport{}
	}
	return &ReconciliationReport{Status: StatusSuccess, Repos: repos}
}

// RefreshedCount is the number of files fetched across all repos.
func (r *ReconciliationReport) RefreshedCount() int {
	n := 0
	for _, repo := range r.Repos {
		n += len(repo.RefreshedFiles)
	}
	return n
}

// FailedCount is the number of repos that carry an error.
func (r *ReconciliationReport) FailedCount() int {
	n := 0
	for _, repo := range r.Repos {
		if repo.Failed() {
			n++
		}
	}
	return n
}

// RepoReport is the outcome of reconciling a single repo.
type RepoReport struct {
	RepoID         string   `json:"repo_id"`
	Name           string   `json:"name"`
	CanWrite       bool     `json:"can_write"`
	RepoHash       string   `json:"repo_hash,omitempty"`
	AllFiles       []string `json:"all_files"`
	RefreshedFiles []string `json:"refreshed_files"`
	Error          string   `json:"error,omitempty"`
}

// NewRepoReport starts an empty report for a repo.
func NewRepoReport(id Key, name string, canWrite bool) RepoReport {
	return RepoReport{
		RepoID:         id.String(),
		Name:           name,
		CanWrite:       canWrite,
		AllFiles:       []string{},
		RefreshedFiles: []string{},
	}
}

// MarkRefreshed records name as fetched. Names not listed in AllFiles are
// ignored so RefreshedFiles always stays a subset of AllFiles.
func (r *RepoReport) MarkRefreshed(name string) {
	for _, f := range r.AllFiles {
		if f == name {
			r.RefreshedFiles = append(r.RefreshedFiles, name)
			return
		}
	}
}

// Annotate appends msg to the report's error text.
func (r *RepoReport) Annotate(msg string) {
	if r.Error == "" {
		r.Error = msg
		return
	}
	r.Error += "; " + msg
}

func (r RepoReport) Failed() bool {
	return r.Error != ""
}
