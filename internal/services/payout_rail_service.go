package services

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/moov-io/iso20022/pkg/common"
	"github.com/moov-io/iso20022/pkg/pacs_v08"
	"github.com/stagepass/treasury/internal/models"
)

// PayoutRailService renders payouts as ISO 20022 pacs.008 credit transfers
// and posts them to the external payee rail. Rail status callbacks come back
// through the gateway as payout.updated webhook events.
type PayoutRailService struct {
	railURL     string
	platformBIC string
	client      *http.Client
}

func NewPayoutRailService(railURL, platformBIC string) *PayoutRailService {
	return &PayoutRailService{
		railURL:     railURL,
		platformBIC: platformBIC,
		client:      &http.Client{Timeout: 15 * time.Second},
	}
}

func (rail *PayoutRailService) Dispatch(ctx context.Context, payout *models.Payout) error {
	doc, err := rail.CreatePacs008(payout)
	if err != nil {
		return fmt.Errorf("build pacs.008: %w", err)
	}

	xmlData, err := rail.ConvertToXML(doc)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rail.railURL, bytes.NewBufferString(xmlData))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/xml")

	resp, err := rail.client.Do(req)
	if err != nil {
		return fmt.Errorf("rail dispatch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("rail returned status %d", resp.StatusCode)
	}

	log.Printf("[RAIL] Dispatched payout %s (%d %s)", payout.ID, payout.Amount, payout.Currency)
	return nil
}

// CreatePacs008 creates a pacs.008 FIToFICustomerCreditTransfer message for
// the payout. Amounts on the wire are major units.
func (rail *PayoutRailService) CreatePacs008(payout *models.Payout) (*pacs_v08.FIToFICustomerCreditTransferV08, error) {
	msgId := uuid.New().String()
	creDtTm := time.Now()
	settlementDate := time.Now()
	amount := float64(payout.Amount) / 100

	doc := &pacs_v08.FIToFICustomerCreditTransferV08{
		GrpHdr: pacs_v08.GroupHeader93{
			MsgId:   common.Max35Text(msgId),
			CreDtTm: common.ISODateTime(creDtTm),
			NbOfTxs: "1",
			TtlIntrBkSttlmAmt: &pacs_v08.ActiveCurrencyAndAmount{
				Ccy:   common.ActiveCurrencyCode(payout.Currency),
				Value: amount,
			},
			IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
			SttlmInf: pacs_v08.SettlementInstruction7{
				SttlmMtd: "CLRG", // Clearing
			},
		},
		CdtTrfTxInf: []pacs_v08.CreditTransferTransaction39{
			{
				PmtId: pacs_v08.PaymentIdentification7{
					InstrId:    &[]common.Max35Text{common.Max35Text(payout.ID)}[0],
					EndToEndId: common.Max35Text(payout.ID),
					TxId:       &[]common.Max35Text{common.Max35Text(payout.ID)}[0],
				},
				IntrBkSttlmAmt: pacs_v08.ActiveCurrencyAndAmount{
					Ccy:   common.ActiveCurrencyCode(payout.Currency),
					Value: amount,
				},
				IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
				ChrgBr:        "SLEV",
				DbtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						BICFI: &[]common.BICFIDec2014Identifier{common.BICFIDec2014Identifier(rail.platformBIC)}[0],
					},
				},
				Dbtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text("STAGEPASS TREASURY")}[0],
				},
				Cdtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text(payout.AccountID)}[0],
				},
			},
		},
	}

	return doc, nil
}

// ConvertToXML converts an ISO 20022 document to an XML string.
func (rail *PayoutRailService) ConvertToXML(doc interface{}) (string, error) {
	xmlData, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal XML: %w", err)
	}
	return xml.Header + string(xmlData), nil
}
