package extraction

import "strings"

// Sentinel is written for every canonical column a record does not supply
const Sentinel = "N/A"

// Canonical column names
const (
	ColumnSource     = "Source File"
	ColumnInvoiceNo  = "Invoice No"
	ColumnDeliveryNo = "Delivery No"
	ColumnCustomerPO = "Customer PO"
	ColumnProduct    = "Product Code/Description"
	ColumnUnit       = "Unit of Measure"
	ColumnQuantity   = "Quantity"
	ColumnNetPrice   = "Net Price"
	ColumnAmount     = "Amount"
)

// itemsKey holds the line-item list in a reply
const itemsKey = "items"

// Columns is the canonical column order of every exported table
var Columns = []string{
	ColumnSource,
	ColumnInvoiceNo,
	ColumnDeliveryNo,
	ColumnCustomerPO,
	ColumnProduct,
	ColumnUnit,
	ColumnQuantity,
	ColumnNetPrice,
	ColumnAmount,
}

// DocumentColumns are the fields read from the top level of a reply
var DocumentColumns = []string{ColumnInvoiceNo, ColumnDeliveryNo, ColumnCustomerPO}

// ItemColumns are the fields read from each entry of the items list
var ItemColumns = []string{ColumnProduct, ColumnUnit, ColumnQuantity, ColumnNetPrice, ColumnAmount}

// canonicalKey maps a reply key onto its canonical column name. Keys that
// match no column are returned trimmed and otherwise unchanged.
func canonicalKey(key string) string {
	k := strings.TrimSpace(key)
	for _, c := range Columns {
		if strings.EqualFold(k, c) {
			return c
		}
	}
	return k
}

// Instruction is sent ahead of every document
const Instruction = `Extract the following details from this document and return them strictly in JSON format:
- Invoice No
- Delivery No
- Customer PO
- items (a list of objects, one per line item, each containing: Product Code/Description, Unit of Measure, Quantity, Net Price, Amount)

Return ONLY a single JSON object in this exact shape:
{
  "Invoice No": "...",
  "Delivery No": "...",
  "Customer PO": "...",
  "items": [
    {"Product Code/Description": "...", "Unit of Measure": "...", "Quantity": 0, "Net Price": 0.00, "Amount": 0.00}
  ]
}

Important:
- If Product Code and Description are together, keep them as one string
- Quantity, Net Price and Amount must be JSON numbers, not strings
- If you cannot find a field, use null for that field
- If the document has no line items, return an empty "items" list
- Do not include any text before or after the JSON`

// replySchema is the minimal shape every reply must have
const replySchema = `{
  "type": "object",
  "required": ["items"],
  "properties": {
    "items": {
      "type": "array",
      "items": {"type": "object"}
    }
  }
}`
