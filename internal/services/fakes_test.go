package services

// The fake store backs the service tests with the same uniqueness semantics as
// scripts/schema.sql: one open loan per copy (uniq_open_loan), unique copy
// codes (copies_pkey), unique (book_id, copy_number) pairs
// (uniq_book_copy_number) and unique ISBNs (uniq_books_isbn). Violations are
// reported as *pgconn.PgError with code 23505, exactly as the Postgres driver
// would, so the service's conflict translation is exercised for real.

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"shelfbot/internal/models"
	"shelfbot/internal/repositories"
)

func uniqueErr(constraint string) error {
	return &pgconn.PgError{
		Code:           "23505",
		ConstraintName: constraint,
		Message:        `duplicate key value violates unique constraint "` + constraint + `"`,
	}
}

type fakeStore struct {
	mu        sync.Mutex
	locations map[uuid.UUID]models.Location
	books     map[uuid.UUID]models.Book
	copies    map[string]models.Copy
	loans     map[uuid.UUID]models.Loan
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		locations: make(map[uuid.UUID]models.Location),
		books:     make(map[uuid.UUID]models.Book),
		copies:    make(map[string]models.Copy),
		loans:     make(map[uuid.UUID]models.Loan),
	}
}

// ─── LocationRepository ───────────────────────────────────────────────────────

func (f *fakeStore) Create(db *gorm.DB, location *models.Location) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if location.ID == uuid.Nil {
		location.ID = uuid.New()
	}
	f.locations[location.ID] = *location
	return nil
}

func (f *fakeStore) GetByID(db *gorm.DB, id uuid.UUID) (*models.Location, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	loc, ok := f.locations[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &loc, nil
}

func (f *fakeStore) List(db *gorm.DB) ([]models.Location, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Location, 0, len(f.locations))
	for _, loc := range f.locations {
		out = append(out, loc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ─── BookRepository ───────────────────────────────────────────────────────────

type fakeBookRepo struct{ store *fakeStore }

func (f *fakeBookRepo) Create(db *gorm.DB, book *models.Book) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	for _, existing := range f.store.books {
		if existing.ISBN == book.ISBN {
			return uniqueErr("uniq_books_isbn")
		}
	}
	if book.ID == uuid.Nil {
		book.ID = uuid.New()
	}
	if book.CreatedAt.IsZero() {
		book.CreatedAt = time.Now().UTC()
	}
	f.store.books[book.ID] = *book
	return nil
}

func (f *fakeBookRepo) GetByID(db *gorm.DB, id uuid.UUID) (*models.Book, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	book, ok := f.store.books[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &book, nil
}

func (f *fakeBookRepo) List(db *gorm.DB) ([]models.Book, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	out := make([]models.Book, 0, len(f.store.books))
	for _, b := range f.store.books {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeBookRepo) Search(db *gorm.DB, query string, limit int) ([]repositories.BookSearchRow, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	needle := strings.ToLower(query)
	var rows []repositories.BookSearchRow
	for _, b := range f.store.books {
		if !strings.Contains(strings.ToLower(b.Title), needle) &&
			!strings.Contains(strings.ToLower(b.Author), needle) {
			continue
		}
		row := repositories.BookSearchRow{ID: b.ID, ISBN: b.ISBN, Title: b.Title, Author: b.Author}
		for qr, c := range f.store.copies {
			if c.BookID != b.ID {
				continue
			}
			row.TotalCopies++
			if f.store.openLoanLocked(qr) != nil {
				row.BorrowedCopies++
			}
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Title != rows[j].Title {
			return rows[i].Title < rows[j].Title
		}
		return rows[i].ID.String() < rows[j].ID.String()
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// ─── CopyRepository ───────────────────────────────────────────────────────────

type fakeCopyRepo struct{ store *fakeStore }

func (f *fakeCopyRepo) Create(db *gorm.DB, copy *models.Copy) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if _, exists := f.store.copies[copy.QRCodeID]; exists {
		return uniqueErr("copies_pkey")
	}
	for _, existing := range f.store.copies {
		if existing.BookID == copy.BookID && existing.CopyNumber == copy.CopyNumber {
			return uniqueErr("uniq_book_copy_number")
		}
	}
	f.store.copies[copy.QRCodeID] = *copy
	return nil
}

func (f *fakeCopyRepo) GetByQRCode(db *gorm.DB, qrCodeID string) (*models.Copy, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	copy, ok := f.store.copies[qrCodeID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copy.Book = f.store.books[copy.BookID]
	copy.Location = f.store.locations[copy.LocationID]
	return &copy, nil
}

func (f *fakeCopyRepo) ListByBook(db *gorm.DB, bookID uuid.UUID) ([]models.Copy, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	var out []models.Copy
	for _, c := range f.store.copies {
		if c.BookID == bookID {
			c.Location = f.store.locations[c.LocationID]
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CopyNumber < out[j].CopyNumber })
	return out, nil
}

func (f *fakeCopyRepo) CountByBook(db *gorm.DB, bookID uuid.UUID) (int64, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	var count int64
	for _, c := range f.store.copies {
		if c.BookID == bookID {
			count++
		}
	}
	return count, nil
}

// ─── LoanRepository ───────────────────────────────────────────────────────────

type fakeLoanRepo struct{ store *fakeStore }

// openLoanLocked must be called with the store mutex held.
func (f *fakeStore) openLoanLocked(qrCodeID string) *models.Loan {
	for id := range f.loans {
		loan := f.loans[id]
		if loan.QRCodeID == qrCodeID && loan.ReturnedAt == nil {
			return &loan
		}
	}
	return nil
}

func (f *fakeLoanRepo) Create(db *gorm.DB, loan *models.Loan) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if f.store.openLoanLocked(loan.QRCodeID) != nil {
		return uniqueErr("uniq_open_loan")
	}
	if loan.ID == uuid.Nil {
		loan.ID = uuid.New()
	}
	f.store.loans[loan.ID] = *loan
	return nil
}

func (f *fakeLoanRepo) GetOpenByQRCode(db *gorm.DB, qrCodeID string) (*models.Loan, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if loan := f.store.openLoanLocked(qrCodeID); loan != nil {
		return loan, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeLoanRepo) ListOpenByBook(db *gorm.DB, bookID uuid.UUID) ([]models.Loan, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	var out []models.Loan
	for _, loan := range f.store.loans {
		if loan.ReturnedAt != nil {
			continue
		}
		if c, ok := f.store.copies[loan.QRCodeID]; ok && c.BookID == bookID {
			out = append(out, loan)
		}
	}
	return out, nil
}

func (f *fakeLoanRepo) ListOpenByUser(db *gorm.DB, userID int64) ([]models.Loan, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	var out []models.Loan
	for _, loan := range f.store.loans {
		if loan.UserID != userID || loan.ReturnedAt != nil {
			continue
		}
		if c, ok := f.store.copies[loan.QRCodeID]; ok {
			c.Book = f.store.books[c.BookID]
			c.Location = f.store.locations[c.LocationID]
			loan.Copy = c
		}
		out = append(out, loan)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BorrowedAt.After(out[j].BorrowedAt) })
	return out, nil
}

func (f *fakeLoanRepo) MarkReturned(db *gorm.DB, loanID uuid.UUID, returnedAt time.Time) (int64, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	loan, ok := f.store.loans[loanID]
	if !ok || loan.ReturnedAt != nil {
		return 0, nil
	}
	ts := returnedAt
	loan.ReturnedAt = &ts
	f.store.loans[loanID] = loan
	return 1, nil
}

// newTestService wires a LibraryService over a fresh fake store.
func newTestService() (LibraryService, *fakeStore) {
	store := newFakeStore()
	svc := NewLibraryService(
		store,
		&fakeBookRepo{store: store},
		&fakeCopyRepo{store: store},
		&fakeLoanRepo{store: store},
	)
	return svc, store
}
