package remote

import (
	"encoding/json"
	"strings"

	"github.com/aledz7/df-graficas-sub014/internal/ar"
	"github.com/aledz7/df-graficas-sub014/internal/serviceorder"
)

type wireProduct struct {
	ID        Number        `json:"id"`
	Name      string        `json:"nome"`
	Stock     Number        `json:"estoque"`
	MinStock  Number        `json:"estoque_minimo"`
	Unit      string        `json:"unidade_medida"`
	Variants  []wireVariant `json:"variacoes,omitempty"`
	UpdatedAt Timestamp     `json:"updated_at"`
}

type wireVariant struct {
	ID    Number `json:"id"`
	Name  string `json:"nome"`
	Stock Number `json:"estoque"`
}

func (w wireProduct) toProduct() serviceorder.Product {
	p := serviceorder.Product{
		ID:        int64(w.ID.Value),
		Name:      w.Name,
		Stock:     w.Stock.Value,
		MinStock:  w.MinStock.Value,
		Unit:      serviceorder.UnitEach,
		UpdatedAt: w.UpdatedAt.Time,
	}
	switch strings.ToLower(strings.TrimSpace(w.Unit)) {
	case "m2", "m²", "metro_quadrado":
		p.Unit = serviceorder.UnitSquare
	}
	for _, v := range w.Variants {
		p.Variants = append(p.Variants, serviceorder.Variant{ID: int64(v.ID.Value), Name: v.Name, Stock: v.Stock.Value})
	}
	return p
}

func fromProduct(p serviceorder.Product) wireProduct {
	w := wireProduct{
		ID:        num(float64(p.ID)),
		Name:      p.Name,
		Stock:     num(p.Stock),
		MinStock:  num(p.MinStock),
		Unit:      "unidade",
		UpdatedAt: stamp(p.UpdatedAt),
	}
	if p.Unit == serviceorder.UnitSquare {
		w.Unit = "m2"
	}
	for _, v := range p.Variants {
		w.Variants = append(w.Variants, wireVariant{ID: num(float64(v.ID)), Name: v.Name, Stock: num(v.Stock)})
	}
	return w
}

// DecodeProduct converts a product payload.
func DecodeProduct(raw json.RawMessage) (serviceorder.Product, bool, error) {
	var w wireProduct
	ok, err := decodeOne(raw, &w)
	if err != nil || !ok {
		return serviceorder.Product{}, ok, err
	}
	return w.toProduct(), true, nil
}

type wireFinish struct {
	ID        Number `json:"id"`
	Name      string `json:"nome_acabamento"`
	NameAlt   string `json:"nome,omitempty"`
	Mode      string `json:"tipo_aplicacao"`
	Price     Number `json:"valor"`
	PriceAlt  Number `json:"preco"`
	ProductID Number `json:"produto_vinculado_id"`
	Ratio     Number `json:"produto_vinculado_quantidade_por_uso"`
}

func (w wireFinish) toFinish() serviceorder.Finish {
	f := serviceorder.Finish{
		ID:               int64(w.ID.Value),
		Name:             w.Name,
		Price:            firstValid(w.Price, w.PriceAlt),
		LinkedProductID:  w.ProductID.int64Ptr(),
		ConsumptionRatio: w.Ratio.Value,
	}
	if f.Name == "" {
		f.Name = w.NameAlt
	}
	switch strings.ToLower(strings.TrimSpace(w.Mode)) {
	case "area", "área", "m2", "m²":
		f.Mode = serviceorder.FinishByArea
	case "perimetro", "perímetro", "metro_linear", "perimeter":
		f.Mode = serviceorder.FinishByPerimeter
	default:
		f.Mode = serviceorder.FinishByUnit
	}
	return f
}

// DecodeFinishes converts a finish list payload.
func DecodeFinishes(raw json.RawMessage) ([]serviceorder.Finish, error) {
	list, err := decodeList[wireFinish](raw)
	if err != nil {
		return nil, err
	}
	out := make([]serviceorder.Finish, 0, len(list))
	for _, w := range list {
		out = append(out, w.toFinish())
	}
	return out, nil
}

type wireReceivable struct {
	ID         Number    `json:"id"`
	OrderID    Number    `json:"os_id"`
	OrderCode  string    `json:"os_codigo"`
	ClientKey  string    `json:"cliente_chave"`
	ClientID   Number    `json:"cliente_id"`
	ClientName string    `json:"cliente_nome,omitempty"`
	Amount     Number    `json:"valor"`
	Status     string    `json:"status"`
	DueAt      Timestamp `json:"data_vencimento"`
	Note       string    `json:"observacoes,omitempty"`
	CreatedAt  Timestamp `json:"created_at"`
}

func (w wireReceivable) toReceivable() ar.Receivable {
	r := ar.Receivable{
		ID:         int64(w.ID.Value),
		OrderID:    int64(w.OrderID.Value),
		OrderCode:  w.OrderCode,
		ClientKey:  w.ClientKey,
		ClientID:   w.ClientID.int64Ptr(),
		ClientName: w.ClientName,
		Amount:     w.Amount.Value,
		DueAt:      w.DueAt.Time,
		Note:       w.Note,
		CreatedAt:  w.CreatedAt.Time,
	}
	switch strings.ToLower(w.Status) {
	case "pago", "paid", "quitado":
		r.Status = ar.StatusPaid
	case "cancelado", "void":
		r.Status = ar.StatusVoid
	default:
		r.Status = ar.StatusOpen
	}
	return r
}

func fromReceivableInput(in ar.ReceivableInput) wireReceivable {
	w := wireReceivable{
		OrderCode:  in.OrderCode,
		ClientKey:  in.ClientKey,
		ClientName: in.ClientName,
		Amount:     num(in.Amount),
		Status:     "pendente",
		DueAt:      stamp(in.DueAt),
		Note:       in.Note,
	}
	if in.OrderID > 0 {
		w.OrderID = num(float64(in.OrderID))
	}
	if in.ClientID != nil {
		w.ClientID = num(float64(*in.ClientID))
	}
	return w
}
