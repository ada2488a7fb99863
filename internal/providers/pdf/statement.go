package pdf

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

// StatementData is the render model for an account credit statement.
// Amounts are pre-formatted strings; the renderer does no arithmetic.
type StatementData struct {
	AccountName string
	AccountID   string
	Plan        string
	Currency    string
	GeneratedAt string

	Balance   string
	Reserved  string
	Available string

	Lines []StatementLine
}

// StatementLine is one ledger entry on the statement.
type StatementLine struct {
	Date      string
	EntryType string
	Reference string
	Amount    string
}

type PDFProvider struct{}

func New() Provider {
	return &PDFProvider{}
}

func (p *PDFProvider) GenerateStatement(ctx context.Context, data StatementData) (io.Reader, error) {
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(15,
		text.NewCol(12, "Credit Statement", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
	)

	m.AddRow(24,
		col.New(6).Add(
			text.New(data.AccountName, props.Text{Style: fontstyle.Bold}),
			text.New("Account: "+data.AccountID, props.Text{Top: 5, Size: 9}),
			text.New("Plan: "+data.Plan, props.Text{Top: 9, Size: 9}),
			text.New("Generated: "+data.GeneratedAt, props.Text{Top: 13, Size: 9}),
		),
		col.New(6).Add(
			text.New("Balance: "+data.Balance, props.Text{Top: 0, Size: 9, Align: align.Right}),
			text.New("Reserved: "+data.Reserved, props.Text{Top: 4, Size: 9, Align: align.Right}),
			text.New("Available: "+data.Available, props.Text{Top: 8, Size: 9, Style: fontstyle.Bold, Align: align.Right}),
		),
	)

	m.AddRow(10,
		text.NewCol(3, "Date", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Type", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(5, "Reference", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Credits", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)

	for _, line := range data.Lines {
		m.AddRow(8,
			text.NewCol(3, line.Date, props.Text{Size: 9}),
			text.NewCol(2, line.EntryType, props.Text{Size: 9}),
			text.NewCol(5, line.Reference, props.Text{Size: 9}),
			text.NewCol(2, line.Amount, props.Text{Size: 9, Align: align.Right}),
		)
	}

	if len(data.Lines) == 0 {
		m.AddRow(10,
			text.NewCol(12, "No activity in this period.", props.Text{Size: 9}),
		)
	}

	m.AddRow(12,
		col.New(8),
		text.NewCol(2, "Available", props.Text{Style: fontstyle.Bold, Size: 9, Top: 4}),
		text.NewCol(2, fmt.Sprintf("%s %s", data.Available, data.Currency), props.Text{Style: fontstyle.Bold, Size: 9, Top: 4, Align: align.Right}),
	)

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}

	return bytes.NewReader(doc.GetBytes()), nil
}
