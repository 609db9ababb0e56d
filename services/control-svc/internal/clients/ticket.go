package clients

import (
	"fmt"
	"time"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/line"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	marotocfg "github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/core"
	"github.com/johnfercher/maroto/v2/pkg/props"

	"hydronet/pkg/hydro"
)

// Стили талона
var (
	ticketHeaderColor = &props.Color{Red: 44, Green: 62, Blue: 80}    // #2c3e50
	ticketAccentColor = &props.Color{Red: 41, Green: 128, Blue: 185}  // #2980b9
	ticketDangerColor = &props.Color{Red: 231, Green: 76, Blue: 60}   // #e74c3c
	ticketGrayColor   = &props.Color{Red: 127, Green: 140, Blue: 141} // #7f8c8d

	ticketTitleStyle = props.Text{
		Size:  20,
		Style: fontstyle.Bold,
		Align: align.Center,
		Color: ticketHeaderColor,
	}

	ticketUrgentStyle = props.Text{
		Size:  14,
		Style: fontstyle.Bold,
		Align: align.Center,
		Color: ticketDangerColor,
	}

	ticketLabelStyle = props.Text{
		Size:  10,
		Style: fontstyle.Bold,
	}

	ticketValueStyle = props.Text{
		Size: 10,
	}

	ticketBigValueStyle = props.Text{
		Size:  18,
		Style: fontstyle.Bold,
		Align: align.Center,
		Color: ticketAccentColor,
	}

	ticketSmallStyle = props.Text{
		Size:  8,
		Color: ticketGrayColor,
	}
)

// renderTicket рисует печатный талон наряда для полевой бригады
func renderTicket(wo hydro.WorkOrder, receipt hydro.WorkOrderReceipt) ([]byte, error) {
	cfg := marotocfg.NewBuilder().
		WithLeftMargin(15).
		WithTopMargin(15).
		WithRightMargin(15).
		Build()

	m := maroto.New(cfg)

	m.AddRow(12,
		text.NewCol(12, "НАРЯД НА РЕГУЛИРОВКУ ЗАТВОРА", ticketTitleStyle),
	)
	if wo.Urgent {
		m.AddRow(8,
			text.NewCol(12, "!!! СРОЧНО !!!", ticketUrgentStyle),
		)
	}
	m.AddRow(4,
		line.NewCol(12, props.Line{Color: ticketAccentColor}),
	)

	m.AddRow(6,
		text.NewCol(6, fmt.Sprintf("Наряд: %s", receipt.ID), ticketSmallStyle),
		text.NewCol(6, fmt.Sprintf("Выдан: %s", time.Now().Format("2006-01-02 15:04")),
			props.Text{Size: 8, Color: ticketGrayColor, Align: align.Right}),
	)
	m.AddRow(6)

	addTicketRow(m, "Затвор", fmt.Sprintf("%s (%s)", wo.GateName, wo.GateID))
	addTicketRow(m, "Местоположение", wo.Location)
	addTicketRow(m, "Зона", wo.Zone)
	addTicketRow(m, "Бригада", receipt.AssignedTeam)
	addTicketRow(m, "Контакт оператора", wo.Contact)
	if !wo.Scheduled.IsZero() {
		addTicketRow(m, "Срок исполнения", wo.Scheduled.Format("2006-01-02 15:04"))
	}
	addTicketRow(m, "Основание", wo.Reason)

	m.AddRow(8)
	m.AddRow(22,
		text.NewCol(4, fmt.Sprintf("%.2f м", wo.TargetMeters), ticketBigValueStyle),
		text.NewCol(4, fmt.Sprintf("%.0f%%", wo.TargetOpening*100), ticketBigValueStyle),
		text.NewCol(4, fmt.Sprintf("%.1f об.", wo.Turns), ticketBigValueStyle),
	)
	m.AddRow(6,
		text.NewCol(4, "Целевое открытие", props.Text{Size: 9, Align: align.Center, Color: ticketGrayColor}),
		text.NewCol(4, "Доля полного хода", props.Text{Size: 9, Align: align.Center, Color: ticketGrayColor}),
		text.NewCol(4, "Оборотов штурвала", props.Text{Size: 9, Align: align.Center, Color: ticketGrayColor}),
	)

	if len(wo.SafetyNotes) > 0 {
		m.AddRow(8)
		m.AddRow(8,
			text.NewCol(12, "Требования безопасности", props.Text{
				Size: 12, Style: fontstyle.Bold, Color: ticketDangerColor,
			}),
		)
		for i, note := range wo.SafetyNotes {
			m.AddRow(6,
				text.NewCol(12, fmt.Sprintf("%d. %s", i+1, note), ticketValueStyle),
			)
		}
	}

	m.AddRow(10)
	m.AddRow(2,
		line.NewCol(12, props.Line{Color: ticketGrayColor}),
	)
	m.AddRow(6,
		text.NewCol(6, "Исполнил: ____________________", ticketValueStyle),
		text.NewCol(6, "Время: ____________________", ticketValueStyle),
	)

	doc, err := m.Generate()
	if err != nil {
		return nil, fmt.Errorf("failed to generate work order ticket: %w", err)
	}
	return doc.GetBytes(), nil
}

func addTicketRow(m core.Maroto, label, value string) {
	if value == "" {
		return
	}
	m.AddRow(6,
		text.NewCol(4, label, ticketLabelStyle),
		text.NewCol(8, value, ticketValueStyle),
	)
}
