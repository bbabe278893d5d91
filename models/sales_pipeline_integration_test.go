package models_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/belaudiobooks/royalties_backend/config"
	"github.com/belaudiobooks/royalties_backend/jobs"
	"github.com/belaudiobooks/royalties_backend/models"
	"github.com/belaudiobooks/royalties_backend/models/reports"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

// setupIntegration starts throwaway MySQL and Redis containers, wires the
// config env and connects the singletons. Skips unless INTEGRATION_TESTS=1.
func setupIntegration(t *testing.T) context.Context {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "royalties_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	return context.Background()
}

func TestResolveISBNsIdempotent(t *testing.T) {
	ctx := setupIntegration(t)
	db := config.GetDB()

	first, err := models.ResolveISBNs(ctx, db, []string{"9798347944019", "9798347944020", "9798347944019", ""})
	if err != nil {
		t.Fatalf("ResolveISBNs: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(first))
	}

	second, err := models.ResolveISBNs(ctx, db, []string{"9798347944019", "9798347944021"})
	if err != nil {
		t.Fatalf("ResolveISBNs (second): %v", err)
	}
	if second["9798347944019"].ID != first["9798347944019"].ID {
		t.Errorf("existing code should resolve to the same row: %d vs %d",
			second["9798347944019"].ID, first["9798347944019"].ID)
	}

	var count int64
	if err := db.Model(&models.ISBN{}).Count(&count).Error; err != nil {
		t.Fatalf("count isbns: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 isbn rows, got %d", count)
	}
}

type fakeDriveSource struct {
	files   []jobs.DriveFile
	content map[string][]byte
}

func (f *fakeDriveSource) ListXLSXFiles(ctx context.Context) ([]jobs.DriveFile, error) {
	return f.files, nil
}

func (f *fakeDriveSource) DownloadFile(ctx context.Context, fileId string) ([]byte, error) {
	return f.content[fileId], nil
}

func buildReportWorkbook(t *testing.T, period, netAmount, channel string, dataRows [][]interface{}) []byte {
	t.Helper()
	headers := []interface{}{
		"Title", "Sales Type", "Royalty Rate", "Display #", "ISBN #",
		"Publisher", "Partner", "Promotion", "Sale Territory", "Currency",
		"DLP", "Price Type", "Sales Qty", "Revenue", "Royalty Earned",
		"Less Distribution Fee", "Exchange Rate", "Royalty Payable Currency",
		"Royalty Payable",
	}

	f := excelize.NewFile()
	defer f.Close()
	f.SetSheetName("Sheet1", "Summary")

	summary := [][]interface{}{
		{"Findaway Royalty Report"},
		{"Period:", period},
		{"Net Amount:", netAmount},
		{},
		{"Payments by Channel:"},
		{"Channel", "Amount"},
		{channel},
	}
	setRows(t, f, "Summary", summary)

	if _, err := f.NewSheet(channel); err != nil {
		t.Fatalf("NewSheet: %v", err)
	}
	setRows(t, f, channel, append([][]interface{}{headers}, dataRows...))

	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("WriteToBuffer: %v", err)
	}
	return buf.Bytes()
}

func setRows(t *testing.T, f *excelize.File, sheet string, rows [][]interface{}) {
	t.Helper()
	for r, row := range rows {
		for c, value := range row {
			cell, err := excelize.CoordinatesToCellName(c+1, r+1)
			if err != nil {
				t.Fatalf("CoordinatesToCellName: %v", err)
			}
			if err := f.SetCellValue(sheet, cell, value); err != nil {
				t.Fatalf("SetCellValue: %v", err)
			}
		}
	}
}

func reportRow(title, isbn, retailer, country string, qty int, amount float64) []interface{} {
	return []interface{}{
		title, "Retail", "50%", "D-1", isbn,
		"Audiobooks.by", retailer, "", country, "USD",
		"9.99", "Retail", qty, amount, amount,
		"0.00", "1.00", "USD", amount,
	}
}

func TestSyncSalesReportsReplacesRecords(t *testing.T) {
	ctx := setupIntegration(t)
	db := config.GetDB()

	// A record from a previous run plus its isbn, both should be handled:
	// the record replaced, the isbn reused.
	stale, err := models.ResolveISBNs(ctx, db, []string{"9798347944019"})
	if err != nil {
		t.Fatalf("ResolveISBNs: %v", err)
	}
	staleIsbn := stale["9798347944019"]
	old := models.SaleRecord{
		MonthOfSale: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
		SourceFile:  "stale.xlsx",
		Title:       "Старая кніга",
		SalesType:   "Retail",
		IsbnId:      &staleIsbn.ID,
		Quantity:    9,
		Amount:      decimal.NewFromInt(9),
	}
	if err := db.WithContext(ctx).Create(&old).Error; err != nil {
		t.Fatalf("create stale record: %v", err)
	}

	content := buildReportWorkbook(t, "June 01, 2025 - June 30, 2025", "7.30 USD", "Google Play", [][]interface{}{
		reportRow("Кніга першая", "9798347944019", "Google Play", "PL", 1, 4.8),
		reportRow("Кніга другая", "9798347944020", "Google Play", "US", 2, 2.5),
	})
	source := &fakeDriveSource{
		files:   []jobs.DriveFile{{Id: "f1", Name: "june.xlsx"}},
		content: map[string][]byte{"f1": content},
	}

	summary, err := jobs.SyncSalesReports(ctx, source, nil)
	if err != nil {
		t.Fatalf("SyncSalesReports: %v", err)
	}
	if summary.FilesProcessed != 1 || summary.RowsSaved != 2 {
		t.Fatalf("summary = %+v, want {1 2}", summary)
	}

	var records []models.SaleRecord
	if err := db.WithContext(ctx).Order("id").Find(&records).Error; err != nil {
		t.Fatalf("load sale records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records after replace, got %d", len(records))
	}
	for _, r := range records {
		if r.SourceFile == "stale.xlsx" {
			t.Errorf("stale record survived the replace: %+v", r)
		}
	}
	if records[0].IsbnId == nil || *records[0].IsbnId != staleIsbn.ID {
		t.Errorf("existing isbn should be reused, got %v want %d", records[0].IsbnId, staleIsbn.ID)
	}

	var isbnCount int64
	if err := db.Model(&models.ISBN{}).Count(&isbnCount).Error; err != nil {
		t.Fatalf("count isbns: %v", err)
	}
	if isbnCount != 2 {
		t.Errorf("expected 2 isbn rows, got %d", isbnCount)
	}
}

func TestPartnerSalesReportGranularitiesAndTotals(t *testing.T) {
	ctx := setupIntegration(t)
	db := config.GetDB()

	bookA := models.Book{Title: "Кніга першая"}
	bookB := models.Book{Title: "Кніга другая"}
	if err := db.WithContext(ctx).Create(&bookA).Error; err != nil {
		t.Fatalf("create book: %v", err)
	}
	if err := db.WithContext(ctx).Create(&bookB).Error; err != nil {
		t.Fatalf("create book: %v", err)
	}

	n1 := models.Narration{BookId: bookA.ID, Narrator: "Narrator A"}
	n2 := models.Narration{BookId: bookB.ID, Narrator: "Narrator B"}
	n3 := models.Narration{BookId: bookB.ID, Narrator: "Narrator C"}
	for _, n := range []*models.Narration{&n1, &n2, &n3} {
		if err := db.WithContext(ctx).Create(n).Error; err != nil {
			t.Fatalf("create narration: %v", err)
		}
	}

	makeISBN := func(code string, narrationId *int) *models.ISBN {
		isbn := models.ISBN{Code: code, NarrationId: narrationId}
		if err := db.WithContext(ctx).Create(&isbn).Error; err != nil {
			t.Fatalf("create isbn %s: %v", code, err)
		}
		return &isbn
	}
	i1 := makeISBN("9798347944011", &n1.ID)
	i2 := makeISBN("9798347944012", &n2.ID)
	i3 := makeISBN("9798347944013", &n3.ID)
	i4 := makeISBN("9798347944014", nil) // not connected to the catalog

	partner := models.Partner{Name: "Выдавецтва"}
	if err := db.WithContext(ctx).Create(&partner).Error; err != nil {
		t.Fatalf("create partner: %v", err)
	}

	// 50% on narration N1 directly, 25% on book B (covers N2 and N3).
	ag1 := models.Agreement{PartnerId: partner.ID, RoyaltyPercent: decimal.NewFromInt(50), Narrations: []*models.Narration{&n1}}
	ag2 := models.Agreement{PartnerId: partner.ID, RoyaltyPercent: decimal.NewFromInt(25), Books: []*models.Book{&bookB}}
	if err := db.WithContext(ctx).Create(&ag1).Error; err != nil {
		t.Fatalf("create agreement: %v", err)
	}
	if err := db.WithContext(ctx).Create(&ag2).Error; err != nil {
		t.Fatalf("create agreement: %v", err)
	}

	makeSale := func(isbnId int, month time.Time, qty int, amount string) {
		d, _ := decimal.NewFromString(amount)
		record := models.SaleRecord{
			MonthOfSale:    month,
			SourceFile:     "seed.xlsx",
			Title:          "seed",
			SalesType:      "Retail",
			IsbnId:         &isbnId,
			Quantity:       qty,
			AmountCurrency: "USD",
			Amount:         d,
		}
		if err := db.WithContext(ctx).Create(&record).Error; err != nil {
			t.Fatalf("create sale record: %v", err)
		}
	}
	makeSale(i1.ID, time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC), 20, "140.00")
	makeSale(i2.ID, time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC), 10, "100.00")
	makeSale(i3.ID, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), 13, "200.00")
	makeSale(i4.ID, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), 5, "30.00") // unlinked, must be excluded

	// all: one row per (book, percent).
	report, err := reports.GetPartnerSalesReport(ctx, partner.ID, reports.GranularityAll)
	if err != nil {
		t.Fatalf("GetPartnerSalesReport(all): %v", err)
	}
	if len(report.Rows) != 2 {
		t.Fatalf("all: expected 2 rows, got %d", len(report.Rows))
	}
	assertRow(t, report.Rows[0], bookB.ID, 23, "300", "75")
	assertRow(t, report.Rows[1], bookA.ID, 20, "140", "70")
	if report.TotalQuantity != 43 {
		t.Errorf("all: total quantity = %d, want 43", report.TotalQuantity)
	}
	if !report.TotalPayableRoyalty.Equal(decimal.NewFromInt(145)) {
		t.Errorf("all: total payable = %s, want 145", report.TotalPayableRoyalty)
	}

	// monthly: one row per (book, percent, year, month), newest first.
	report, err = reports.GetPartnerSalesReport(ctx, partner.ID, reports.GranularityMonthly)
	if err != nil {
		t.Fatalf("GetPartnerSalesReport(monthly): %v", err)
	}
	if len(report.Rows) != 3 {
		t.Fatalf("monthly: expected 3 rows, got %d", len(report.Rows))
	}
	assertBucket(t, report.Rows[0], 2026, 1)
	assertRow(t, report.Rows[0], bookB.ID, 13, "200", "50")
	assertBucket(t, report.Rows[1], 2025, 12)
	assertRow(t, report.Rows[1], bookB.ID, 10, "100", "25")
	assertBucket(t, report.Rows[2], 2025, 11)
	assertRow(t, report.Rows[2], bookA.ID, 20, "140", "70")
	if report.TotalQuantity != 43 {
		t.Errorf("monthly: total quantity = %d, want 43", report.TotalQuantity)
	}
	if !report.TotalPayableRoyalty.Equal(decimal.NewFromInt(145)) {
		t.Errorf("monthly: total payable = %s, want 145", report.TotalPayableRoyalty)
	}

	// yearly.
	report, err = reports.GetPartnerSalesReport(ctx, partner.ID, reports.GranularityYearly)
	if err != nil {
		t.Fatalf("GetPartnerSalesReport(yearly): %v", err)
	}
	if len(report.Rows) != 3 {
		t.Fatalf("yearly: expected 3 rows, got %d", len(report.Rows))
	}
	if report.Rows[0].Year == nil || *report.Rows[0].Year != 2026 {
		t.Errorf("yearly: first row year = %v, want 2026", report.Rows[0].Year)
	}
	if !report.TotalPayableRoyalty.Equal(decimal.NewFromInt(145)) {
		t.Errorf("yearly: total payable = %s, want 145", report.TotalPayableRoyalty)
	}

	// Overlapping agreements of another partner: the newest agreement
	// (highest id) supplies the percent for a doubly covered narration.
	partner2 := models.Partner{Name: "Другі партнёр"}
	if err := db.WithContext(ctx).Create(&partner2).Error; err != nil {
		t.Fatalf("create partner: %v", err)
	}
	agOld := models.Agreement{PartnerId: partner2.ID, RoyaltyPercent: decimal.NewFromInt(30), Narrations: []*models.Narration{&n1}}
	if err := db.WithContext(ctx).Create(&agOld).Error; err != nil {
		t.Fatalf("create agreement: %v", err)
	}
	agNew := models.Agreement{PartnerId: partner2.ID, RoyaltyPercent: decimal.NewFromInt(60), Books: []*models.Book{&bookA}}
	if err := db.WithContext(ctx).Create(&agNew).Error; err != nil {
		t.Fatalf("create agreement: %v", err)
	}

	report, err = reports.GetPartnerSalesReport(ctx, partner2.ID, reports.GranularityAll)
	if err != nil {
		t.Fatalf("GetPartnerSalesReport(partner2): %v", err)
	}
	if len(report.Rows) != 1 {
		t.Fatalf("partner2: expected 1 row, got %d", len(report.Rows))
	}
	if !report.Rows[0].RoyaltyPercent.Equal(decimal.NewFromInt(60)) {
		t.Errorf("partner2: percent = %s, want 60 (newest agreement wins)", report.Rows[0].RoyaltyPercent)
	}
	assertRow(t, report.Rows[0], bookA.ID, 20, "140", "84")

	// Unknown partner.
	if _, err := reports.GetPartnerSalesReport(ctx, 99999, reports.GranularityAll); err == nil {
		t.Error("expected error for unknown partner")
	}
}

func assertRow(t *testing.T, row *reports.PartnerSalesRow, bookId int, qty int64, amount, payable string) {
	t.Helper()
	if row.BookId != bookId {
		t.Errorf("row book = %d, want %d", row.BookId, bookId)
	}
	if row.Quantity != qty {
		t.Errorf("row quantity = %d, want %d", row.Quantity, qty)
	}
	wantAmount, _ := decimal.NewFromString(amount)
	if !row.Amount.Equal(wantAmount) {
		t.Errorf("row amount = %s, want %s", row.Amount, amount)
	}
	wantPayable, _ := decimal.NewFromString(payable)
	if !row.PayableRoyalty.Equal(wantPayable) {
		t.Errorf("row payable = %s, want %s", row.PayableRoyalty, payable)
	}
}

func assertBucket(t *testing.T, row *reports.PartnerSalesRow, year, month int) {
	t.Helper()
	if row.Year == nil || *row.Year != year {
		t.Errorf("row year = %v, want %d", row.Year, year)
	}
	if row.Month == nil || *row.Month != month {
		t.Errorf("row month = %v, want %d", row.Month, month)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("royalties-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("royalties-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=royalties_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
