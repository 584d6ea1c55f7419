package auth

import "context"

// Subject is the authenticated principal as seen by authorization checks.
type Subject struct {
	ID         int64  `json:"id"`
	Email      string `json:"email"`
	Role       Role   `json:"role"`
	CenterID   *int64 `json:"center_id,omitempty"`
	IsActive   bool   `json:"is_active"`
	IsVerified bool   `json:"is_verified"`
}

// SubjectStore loads subjects by id. A missing subject is (nil, nil).
type SubjectStore interface {
	FindSubject(ctx context.Context, id int64) (*Subject, error)
}

type ctxKey int

const (
	subjectKey ctxKey = iota
	claimsKey
)

func WithSubject(ctx context.Context, s *Subject, c *Claims) context.Context {
	ctx = context.WithValue(ctx, subjectKey, s)
	return context.WithValue(ctx, claimsKey, c)
}

func SubjectFrom(ctx context.Context) *Subject {
	s, _ := ctx.Value(subjectKey).(*Subject)
	return s
}

func ClaimsFrom(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey).(*Claims)
	return c
}
