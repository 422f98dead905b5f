package media

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
)

var videoColumns = []string{"id", "project_id", "title", "original_filename", "content_type", "approved", "original_path", "preview_720_path", "preview_1080_path"}

func TestRepositoryVideo_ScansNullablePreviews(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	p1080 := "previews/v1/1080.mp4"
	mock.ExpectQuery(`SELECT id, project_id, title, original_filename, content_type, approved, original_path, preview_720_path, preview_1080_path\s+FROM videos WHERE id = \$1`).
		WithArgs("v1").
		WillReturnRows(pgxmock.NewRows(videoColumns).
			AddRow("v1", "p1", "Cut 3", "cut3.mov", "video/quicktime", false, "originals/v1.mov", (*string)(nil), &p1080))

	v, err := NewRepository(mock).Video(context.Background(), "v1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Preview720Path != "" || v.Preview1080Path != p1080 || v.OriginalFilename != "cut3.mov" {
		t.Errorf("unexpected video %+v", v)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet pgxmock expectations: %v", err)
	}
}

func TestRepositoryVideo_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	mock.ExpectQuery(`FROM videos WHERE id = \$1`).WithArgs("missing").WillReturnError(pgx.ErrNoRows)

	if _, err := NewRepository(mock).Video(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRepositoryProject(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	hash := "$2a$10$abcdefghij1234567890ab"
	mock.ExpectQuery(`SELECT id, name, password_hash, guest_access FROM projects WHERE id = \$1`).
		WithArgs("p1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "password_hash", "guest_access"}).
			AddRow("p1", "Wedding", &hash, false))

	p, err := NewRepository(mock).Project(context.Background(), "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.PasswordProtected() || p.GuestAccess {
		t.Errorf("unexpected project %+v", p)
	}
}

func TestRepositoryProject_DatabaseError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	dbErr := errors.New("timeout")
	mock.ExpectQuery(`FROM projects`).WithArgs("p1").WillReturnError(dbErr)

	_, err = NewRepository(mock).Project(context.Background(), "p1")
	if !errors.Is(err, dbErr) || errors.Is(err, ErrNotFound) {
		t.Errorf("expected wrapped db error, got %v", err)
	}
}

func TestRepositoryArchiveAssets(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	mock.ExpectQuery(`SELECT id, filename, original_path FROM photos`).
		WithArgs("p1", []string{"a1", "a2"}).
		WillReturnRows(pgxmock.NewRows([]string{"id", "filename", "original_path"}).
			AddRow("a1", "one.jpg", "photos/p1/a1.jpg").
			AddRow("a2", "two.jpg", "photos/p1/a2.jpg"))

	assets, err := NewRepository(mock).ArchiveAssets(context.Background(), "p1", []string{"a1", "a2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(assets) != 2 || assets[1].Path != "photos/p1/a2.jpg" {
		t.Errorf("unexpected assets %+v", assets)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet pgxmock expectations: %v", err)
	}
}

func TestRepositoryCountArchiveAssets(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	mock.ExpectQuery(`SELECT count\(\*\) FROM photos`).
		WithArgs("p1", []string(nil)).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))

	n, err := NewRepository(mock).CountArchiveAssets(context.Background(), "p1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 photos, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet pgxmock expectations: %v", err)
	}
}
