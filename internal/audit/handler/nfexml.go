package handler

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"

	"nfaudit/internal/invoice"
	dErrors "nfaudit/pkg/domain-errors"
)

// maxXMLBytes bounds uploaded NF-e documents.
const maxXMLBytes = 2 << 20

// nfeEnvelope accepts both the authorized nfeProc wrapper and a bare NFe.
type nfeEnvelope struct {
	XMLName xml.Name
	Proc    *nfeInfo `xml:"NFe>infNFe"`
	Bare    *nfeInfo `xml:"infNFe"`
}

type nfeInfo struct {
	ID    string    `xml:"Id,attr"`
	Ide   nfeIde    `xml:"ide"`
	Emit  nfeParty  `xml:"emit"`
	Dest  nfeParty  `xml:"dest"`
	Det   []nfeDet  `xml:"det"`
	Total nfeTotals `xml:"total>ICMSTot"`
}

type nfeIde struct {
	Number   string `xml:"nNF"`
	Series   string `xml:"serie"`
	IssuedAt string `xml:"dhEmi"`
	IssuedOn string `xml:"dEmi"`
	Kind     string `xml:"tpNF"`
	Purpose  string `xml:"finNFe"`
}

type nfeParty struct {
	CNPJ        string `xml:"CNPJ"`
	CPF         string `xml:"CPF"`
	Name        string `xml:"xNome"`
	IssuerUF    string `xml:"enderEmit>UF"`
	RecipientUF string `xml:"enderDest>UF"`
}

func (p nfeParty) party() invoice.Party {
	id := p.CNPJ
	if id == "" {
		id = p.CPF
	}
	uf := p.IssuerUF
	if uf == "" {
		uf = p.RecipientUF
	}
	return invoice.Party{TaxID: strings.TrimSpace(id), Name: strings.TrimSpace(p.Name), UF: strings.TrimSpace(uf)}
}

type nfeDet struct {
	Code        string `xml:"prod>cProd"`
	Description string `xml:"prod>xProd"`
	CFOP        string `xml:"prod>CFOP"`
	Quantity    string `xml:"prod>qCom"`
	UnitValue   string `xml:"prod>vUnCom"`
	Total       string `xml:"prod>vProd"`
}

type nfeTotals struct {
	Products string `xml:"vProd"`
	Discount string `xml:"vDesc"`
	ICMS     string `xml:"vICMS"`
	IPI      string `xml:"vIPI"`
	PIS      string `xml:"vPIS"`
	COFINS   string `xml:"vCOFINS"`
	Invoice  string `xml:"vNF"`
}

// DecodeNFeXML maps an NF-e document onto an AuditRequest. Absent elements
// stay empty for the structural stage to report; elements that are present
// but not numbers are rejected here. The caller still runs Validate.
func DecodeNFeXML(r io.Reader) (*AuditRequest, error) {
	var env nfeEnvelope
	if err := xml.NewDecoder(r).Decode(&env); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid NF-e XML")
	}
	inf := env.Proc
	if inf == nil {
		inf = env.Bare
	}
	if inf == nil {
		return nil, dErrors.New(dErrors.CodeBadRequest, fmt.Sprintf("no infNFe element under <%s>", env.XMLName.Local))
	}

	req := &AuditRequest{
		AccessKey:    strings.TrimPrefix(strings.TrimSpace(inf.ID), "NFe"),
		Number:       strings.TrimSpace(inf.Ide.Number),
		Series:       strings.TrimSpace(inf.Ide.Series),
		Issuer:       inf.Emit.party(),
		Recipient:    inf.Dest.party(),
		Jurisdiction: inf.Emit.party().UF,
		IssuedAt:     firstNonEmpty(inf.Ide.IssuedAt, inf.Ide.IssuedOn),
	}

	items := make([]invoice.LineItem, 0, len(inf.Det))
	for i, d := range inf.Det {
		var item invoice.LineItem
		var err error
		prefix := fmt.Sprintf("det[%d].prod.", i)
		if item.Quantity, err = xmlAmount(prefix+"qCom", d.Quantity); err != nil {
			return nil, err
		}
		if item.UnitValue, err = xmlAmount(prefix+"vUnCom", d.UnitValue); err != nil {
			return nil, err
		}
		if item.Total, err = xmlAmount(prefix+"vProd", d.Total); err != nil {
			return nil, err
		}
		item.ProductCode = strings.TrimSpace(d.Code)
		item.Description = strings.TrimSpace(d.Description)
		items = append(items, item)
	}
	req.Items = items
	if len(inf.Det) > 0 {
		req.CFOP = strings.TrimSpace(inf.Det[0].CFOP)
	}
	req.Operation = operationOf(inf.Ide, req.CFOP)

	var err error
	t := inf.Total
	if req.ProductsTotal, err = xmlOptional("ICMSTot.vProd", t.Products); err != nil {
		return nil, err
	}
	if req.DeclaredTotal, err = xmlOptional("ICMSTot.vNF", t.Invoice); err != nil {
		return nil, err
	}
	if req.Discount, err = xmlAmount("ICMSTot.vDesc", t.Discount); err != nil {
		return nil, err
	}
	if req.Taxes.ICMS, err = xmlOptional("ICMSTot.vICMS", t.ICMS); err != nil {
		return nil, err
	}
	if req.Taxes.IPI, err = xmlOptional("ICMSTot.vIPI", t.IPI); err != nil {
		return nil, err
	}
	if req.Taxes.PIS, err = xmlOptional("ICMSTot.vPIS", t.PIS); err != nil {
		return nil, err
	}
	if req.Taxes.COFINS, err = xmlOptional("ICMSTot.vCOFINS", t.COFINS); err != nil {
		return nil, err
	}
	return req, nil
}

// operationOf reads finNFe 4 as a return, CFOP x151/x152 as a transfer and
// otherwise tpNF: 0 is an inbound purchase, 1 an outbound sale.
func operationOf(ide nfeIde, cfop string) string {
	if strings.TrimSpace(ide.Purpose) == "4" {
		return string(invoice.OperationReturn)
	}
	if len(cfop) == 4 && (cfop[1:] == "151" || cfop[1:] == "152") {
		return string(invoice.OperationTransfer)
	}
	switch strings.TrimSpace(ide.Kind) {
	case "0":
		return string(invoice.OperationPurchase)
	case "1":
		return string(invoice.OperationSale)
	}
	return ""
}

func xmlAmount(field, raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, dErrors.Wrap(err, dErrors.CodeValidation, field+" is not a decimal")
	}
	return d, nil
}

func xmlOptional(field, raw string) (*decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	d, err := xmlAmount(field, raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
