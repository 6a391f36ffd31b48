package repo

import (
	"context"
	"database/sql"
	"fmt"

	"dashsync/internal/domain"
)

const projectColumns = `id,name,COALESCE(github_url,''),COALESCE(description,''),status,COALESCE(language,''),stars,forks,open_issues,size_kb,tags_json,health_score,complexity,is_private,COALESCE(last_activity_at,''),COALESCE(remote_updated_at,''),budget,spent,monthly_revenue,created_at,updated_at`

func scanProject(row rowScanner) (domain.Project, error) {
	var (
		p                    domain.Project
		tags                 string
		private              int
		createdAt, updatedAt string
	)
	err := row.Scan(&p.ID, &p.Name, &p.GithubURL, &p.Description, &p.Status, &p.Language, &p.Stars, &p.Forks, &p.OpenIssues,
		&p.SizeKB, &tags, &p.HealthScore, &p.Complexity, &private, &p.LastActivityAt, &p.RemoteUpdatedAt,
		&p.Budget, &p.Spent, &p.MonthlyRevenue, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.IsPrivate = private != 0
	if p.Tags, err = decodeStrings(tags); err != nil {
		return p, fmt.Errorf("project %s tags: %w", p.ID, err)
	}
	if p.CreatedAt, err = domain.ParseTime(createdAt); err != nil {
		return p, err
	}
	if p.UpdatedAt, err = domain.ParseTime(updatedAt); err != nil {
		return p, err
	}
	return p, nil
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, r.q(`SELECT `+projectColumns+` FROM projects WHERE id=?`), id))
}

// FindProjectByURL looks a project up by its canonical repository URL.
func (r Repo) FindProjectByURL(ctx context.Context, url string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, r.q(`SELECT `+projectColumns+` FROM projects WHERE github_url=?`), url))
}

// FindProjectByName returns the oldest project called name.
func (r Repo) FindProjectByName(ctx context.Context, name string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, r.q(`SELECT `+projectColumns+` FROM projects WHERE name=? ORDER BY created_at ASC, id ASC LIMIT 1`), name))
}

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	tags, err := encodeStrings(p.Tags)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, r.q(`INSERT INTO projects(id,name,github_url,description,status,language,stars,forks,open_issues,size_kb,tags_json,health_score,complexity,is_private,last_activity_at,remote_updated_at,budget,spent,monthly_revenue,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		p.ID, p.Name, nullable(p.GithubURL), nullable(p.Description), p.Status, nullable(p.Language), p.Stars, p.Forks, p.OpenIssues,
		p.SizeKB, tags, p.HealthScore, p.Complexity, boolInt(p.IsPrivate), nullable(p.LastActivityAt), nullable(p.RemoteUpdatedAt),
		p.Budget, p.Spent, p.MonthlyRevenue, domain.FormatTime(p.CreatedAt), domain.FormatTime(p.UpdatedAt))
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: project %s", ErrConflict, p.Name)
	}
	return err
}

// UpdateProjectSync writes the fields owned by synchronization. Financial
// fields are left untouched.
func (r Repo) UpdateProjectSync(ctx context.Context, p domain.Project) error {
	tags, err := encodeStrings(p.Tags)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE projects SET name=?, description=?, status=?, language=?, stars=?, forks=?, open_issues=?, size_kb=?, tags_json=?, health_score=?, complexity=?, is_private=?, last_activity_at=?, remote_updated_at=?, updated_at=? WHERE id=?`),
		p.Name, nullable(p.Description), p.Status, nullable(p.Language), p.Stars, p.Forks, p.OpenIssues, p.SizeKB, tags,
		p.HealthScore, p.Complexity, boolInt(p.IsPrivate), nullable(p.LastActivityAt), nullable(p.RemoteUpdatedAt),
		domain.FormatTime(p.UpdatedAt), p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateProjectManual writes the fields maintained by people through batch
// imports: descriptive fields and the financial figures.
func (r Repo) UpdateProjectManual(ctx context.Context, p domain.Project) error {
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE projects SET name=?, github_url=?, description=?, status=?, language=?, budget=?, spent=?, monthly_revenue=?, updated_at=? WHERE id=?`),
		p.Name, nullable(p.GithubURL), nullable(p.Description), p.Status, nullable(p.Language), p.Budget, p.Spent, p.MonthlyRevenue,
		domain.FormatTime(p.UpdatedAt), p.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: project %s", ErrConflict, p.Name)
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListProjects returns projects by name; an empty status lists all.
func (r Repo) ListProjects(ctx context.Context, status string, limit int) ([]domain.Project, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + projectColumns + ` FROM projects`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY name ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Project{}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

const bugColumns = `id,COALESCE(project_id,''),issue_url,number,title,COALESCE(description,''),severity,status,COALESCE(assignee,''),labels_json,COALESCE(remote_created_at,''),COALESCE(remote_updated_at,''),COALESCE(closed_at,''),estimated_cost,created_at,updated_at`

func scanBug(row rowScanner) (domain.Bug, error) {
	var (
		b                    domain.Bug
		labels               string
		createdAt, updatedAt string
	)
	err := row.Scan(&b.ID, &b.ProjectID, &b.IssueURL, &b.Number, &b.Title, &b.Description, &b.Severity, &b.Status, &b.Assignee,
		&labels, &b.RemoteCreatedAt, &b.RemoteUpdatedAt, &b.ClosedAt, &b.EstimatedCost, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	if b.Labels, err = decodeStrings(labels); err != nil {
		return b, fmt.Errorf("bug %s labels: %w", b.ID, err)
	}
	if b.CreatedAt, err = domain.ParseTime(createdAt); err != nil {
		return b, err
	}
	if b.UpdatedAt, err = domain.ParseTime(updatedAt); err != nil {
		return b, err
	}
	return b, nil
}

func (r Repo) FindBugByURL(ctx context.Context, url string) (domain.Bug, error) {
	return scanBug(r.DB.QueryRowContext(ctx, r.q(`SELECT `+bugColumns+` FROM bugs WHERE issue_url=?`), url))
}

func (r Repo) InsertBug(ctx context.Context, b domain.Bug) error {
	labels, err := encodeStrings(b.Labels)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, r.q(`INSERT INTO bugs(id,project_id,issue_url,number,title,description,severity,status,assignee,labels_json,remote_created_at,remote_updated_at,closed_at,estimated_cost,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		b.ID, nullable(b.ProjectID), b.IssueURL, b.Number, b.Title, nullable(b.Description), b.Severity, b.Status, nullable(b.Assignee),
		labels, nullable(b.RemoteCreatedAt), nullable(b.RemoteUpdatedAt), nullable(b.ClosedAt), b.EstimatedCost,
		domain.FormatTime(b.CreatedAt), domain.FormatTime(b.UpdatedAt))
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: bug %s", ErrConflict, b.IssueURL)
	}
	return err
}

// UpdateBugSync writes the fields owned by synchronization; estimated_cost is
// left untouched.
func (r Repo) UpdateBugSync(ctx context.Context, b domain.Bug) error {
	labels, err := encodeStrings(b.Labels)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE bugs SET project_id=?, number=?, title=?, description=?, severity=?, status=?, assignee=?, labels_json=?, remote_created_at=?, remote_updated_at=?, closed_at=?, updated_at=? WHERE id=?`),
		nullable(b.ProjectID), b.Number, b.Title, nullable(b.Description), b.Severity, b.Status, nullable(b.Assignee), labels,
		nullable(b.RemoteCreatedAt), nullable(b.RemoteUpdatedAt), nullable(b.ClosedAt), domain.FormatTime(b.UpdatedAt), b.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type BugFilter struct {
	ProjectID string
	Status    string
	Severity  string
	Limit     int
}

func (r Repo) ListBugs(ctx context.Context, f BugFilter) ([]domain.Bug, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	query := `SELECT ` + bugColumns + ` FROM bugs WHERE 1=1`
	var args []any
	if f.ProjectID != "" {
		query += ` AND project_id=?`
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	if f.Severity != "" {
		query += ` AND severity=?`
		args = append(args, f.Severity)
	}
	query += ` ORDER BY issue_url ASC LIMIT ?`
	args = append(args, f.Limit)
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Bug{}
	for rows.Next() {
		b, err := scanBug(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}
