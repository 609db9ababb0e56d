package hydro

import "time"

// WorkOrder наряд полевой бригаде на ручную регулировку затвора
type WorkOrder struct {
	ID       string `json:"id,omitempty"`
	GateID   string `json:"gate_id"`
	GateName string `json:"gate_name,omitempty"`
	Location string `json:"location,omitempty"` // участок и узлы установки
	Zone     string `json:"zone,omitempty"`

	TargetOpening float64 `json:"target_opening"`  // доля открытия [0..1]
	TargetMeters  float64 `json:"target_m"`        // открытие в метрах
	Turns         float64 `json:"turns,omitempty"` // оценка оборотов штурвала

	Priority  int       `json:"priority"` // 1 - наивысший
	Urgent    bool      `json:"urgent"`
	Scheduled time.Time `json:"scheduled"`

	Contact     string   `json:"contact,omitempty"` // контакт оператора затвора
	Reason      string   `json:"reason,omitempty"`
	Operator    string   `json:"operator,omitempty"` // кто выдал наряд
	SafetyNotes []string `json:"safety_notes,omitempty"`
}

// WorkOrderReceipt подтверждение полевой службы о принятом наряде
type WorkOrderReceipt struct {
	ID           string `json:"id"`
	AssignedTeam string `json:"assigned_team,omitempty"`
	QRURL        string `json:"qr_url,omitempty"` // ссылка на печатный талон
}
