package reports

import (
	"context"
	"fmt"

	"github.com/belaudiobooks/royalties_backend/config"
	"github.com/belaudiobooks/royalties_backend/models"
	"github.com/belaudiobooks/royalties_backend/utils"
	"github.com/shopspring/decimal"
)

// Granularity controls how partner sales rows are bucketed in time.
type Granularity string

const (
	GranularityAll     Granularity = "all"
	GranularityYearly  Granularity = "yearly"
	GranularityMonthly Granularity = "monthly"
)

func ParseGranularity(value string) (Granularity, error) {
	switch Granularity(value) {
	case GranularityAll, GranularityYearly, GranularityMonthly:
		return Granularity(value), nil
	case "":
		return GranularityAll, nil
	}
	return "", fmt.Errorf("invalid granularity '%s': must be all, yearly or monthly", value)
}

type PartnerSalesRow struct {
	BookId         int             `json:"book_id"`
	BookTitle      string          `json:"book_title"`
	Year           *int            `json:"year,omitempty"`
	Month          *int            `json:"month,omitempty"`
	RoyaltyPercent decimal.Decimal `json:"royalty_percent"`
	Quantity       int64           `json:"quantity"`
	Amount         decimal.Decimal `json:"amount"`
	PayableRoyalty decimal.Decimal `json:"payable_royalty"`
}

type PartnerSalesReport struct {
	Rows                []*PartnerSalesRow `json:"rows"`
	TotalQuantity       int64              `json:"total_quantity"`
	TotalPayableRoyalty decimal.Decimal    `json:"total_payable_royalty"`
}

// GetPartnerSalesReport aggregates sale records over the narrations covered
// by the partner's agreements. Coverage comes from both shapes of agreement:
// narrations attached directly and narrations of attached books. When several
// agreements of the partner cover the same narration, the newest agreement
// (highest id) supplies the royalty percent, so a row group is (book, percent)
// plus the time bucket.
//
// Payable amounts are computed here, not in SQL: summing decimal strings in
// Go keeps the total exactly equal to the sum of the returned rows.
func GetPartnerSalesReport(ctx context.Context, partnerId int, granularity Granularity) (*PartnerSalesReport, error) {

	sqlT := `
WITH covered AS (
    SELECT an.narration_id, a.id AS agreement_id
    FROM agreements a
        JOIN agreement_narrations an ON an.agreement_id = a.id
    WHERE a.partner_id = @partnerId
    UNION
    SELECT n.id AS narration_id, a.id AS agreement_id
    FROM agreements a
        JOIN agreement_books ab ON ab.agreement_id = a.id
        JOIN narrations n ON n.book_id = ab.book_id
    WHERE a.partner_id = @partnerId
),
chosen AS (
    SELECT narration_id, MAX(agreement_id) AS agreement_id
    FROM covered
    GROUP BY narration_id
)
SELECT
    books.id AS book_id,
    books.title AS book_title,
    {{- if .yearly }}
    YEAR(sale_records.month_of_sale) AS year,
    {{- end }}
    {{- if .monthly }}
    MONTH(sale_records.month_of_sale) AS month,
    {{- end }}
    agreements.royalty_percent,
    SUM(sale_records.quantity) AS quantity,
    SUM(sale_records.amount) AS amount
FROM
    sale_records
        JOIN isbns ON isbns.id = sale_records.isbn_id
        JOIN narrations ON narrations.id = isbns.narration_id
        JOIN books ON books.id = narrations.book_id
        JOIN chosen ON chosen.narration_id = narrations.id
        JOIN agreements ON agreements.id = chosen.agreement_id
GROUP BY books.id , books.title , agreements.royalty_percent
    {{- if .yearly }} , YEAR(sale_records.month_of_sale) {{- end }}
    {{- if .monthly }} , MONTH(sale_records.month_of_sale) {{- end }}
ORDER BY
    {{- if .yearly }} year DESC, {{- end }}
    {{- if .monthly }} month DESC, {{- end }}
    books.title ASC , agreements.royalty_percent ASC;
`

	db := config.GetDB()

	var partner models.Partner
	if err := db.WithContext(ctx).First(&partner, partnerId).Error; err != nil {
		return nil, fmt.Errorf("partner %d: %w", partnerId, utils.ErrorRecordNotFound)
	}

	// generating sql from template
	sql, err := utils.ExecTemplate(sqlT, map[string]interface{}{
		"yearly":  granularity == GranularityYearly || granularity == GranularityMonthly,
		"monthly": granularity == GranularityMonthly,
	})
	if err != nil {
		return nil, err
	}

	var rows []*PartnerSalesRow
	if err := db.WithContext(ctx).Raw(sql, map[string]interface{}{
		"partnerId": partnerId,
	}).Scan(&rows).Error; err != nil {
		return nil, err
	}

	report := &PartnerSalesReport{Rows: rows, TotalPayableRoyalty: decimal.Zero}
	for _, row := range rows {
		row.PayableRoyalty = row.Amount.Mul(row.RoyaltyPercent).Div(decimal.NewFromInt(100)).Round(2)
		report.TotalQuantity += row.Quantity
		report.TotalPayableRoyalty = report.TotalPayableRoyalty.Add(row.PayableRoyalty)
	}
	if report.Rows == nil {
		report.Rows = []*PartnerSalesRow{}
	}
	return report, nil
}
