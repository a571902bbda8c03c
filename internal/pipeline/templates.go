package pipeline

// Template keys that are not intents.
const (
	TemplateHandoff = "human_handoff"
	TemplateError   = "api_error"
)

var templates = map[string]map[string]string{
	IntentGreeting: {
		LangEnglish: "Hello! Welcome to Cafe Pentagon. How can I help you today?",
		LangMyanmar: "မင်္ဂလာပါ! Cafe Pentagon မှ ကြိုဆိုပါတယ်။ ဘယ်လိုကူညီပေးရမလဲ?",
	},
	IntentGoodbye: {
		LangEnglish: "Thank you for visiting Cafe Pentagon. Have a great day!",
		LangMyanmar: "Cafe Pentagon ကို လာရောက်တဲ့အတွက် ကျေးဇူးတင်ပါတယ်။ နေ့လည်ကောင်းပါစေ!",
	},
	IntentMenuBrowse: {
		LangEnglish: "You can find our full menu at the counter. Our staff will be glad to share today's specials and prices.",
		LangMyanmar: "မီနူးအပြည့်အစုံကို ကောင်တာမှာ ကြည့်ရှုနိုင်ပါတယ်။ ယနေ့အထူးဟင်းလျာနဲ့ ဈေးနှုန်းများကို ဝန်ထမ်းများက ပြောပြပေးပါလိမ့်မယ်။",
	},
	IntentOrderPlace: {
		LangEnglish: "Thanks for your order request. Our staff will confirm the details with you shortly.",
		LangMyanmar: "မှာယူမှုအတွက် ကျေးဇူးတင်ပါတယ်။ ဝန်ထမ်းများက အသေးစိတ်ကို မကြာမီ အတည်ပြုပေးပါလိမ့်မယ်။",
	},
	IntentReservation: {
		LangEnglish: "We'd love to host you. Please share the date, time and number of guests and our staff will confirm your table.",
		LangMyanmar: "ရက်စွဲ၊ အချိန်နဲ့ လူဦးရေကို ပြောပေးပါ။ ဝန်ထမ်းများက စားပွဲကို အတည်ပြုပေးပါလိမ့်မယ်။",
	},
	IntentEvents: {
		LangEnglish: "Follow our page for upcoming events. Our staff can share details about anything coming up soon.",
		LangMyanmar: "လာမည့်ပွဲများအတွက် ကျွန်ုပ်တို့စာမျက်နှာကို ဖော်လိုလုပ်ထားပါ။ ဝန်ထမ်းများက အသေးစိတ်ပြောပြပေးနိုင်ပါတယ်။",
	},
	IntentJobInquiry: {
		LangEnglish: "Thanks for your interest in joining Cafe Pentagon. Please send your CV and our team will get back to you.",
		LangMyanmar: "Cafe Pentagon တွင် အလုပ်လုပ်ချင်တဲ့အတွက် ကျေးဇူးတင်ပါတယ်။ CV ပို့ပေးပါ၊ ကျွန်ုပ်တို့အဖွဲ့က ပြန်လည်ဆက်သွယ်ပါလိမ့်မယ်။",
	},
	IntentComplaint: {
		LangEnglish: "I'm sorry about your experience. I've noted it and our staff will follow up with you.",
		LangMyanmar: "အဆင်မပြေမှုအတွက် တောင်းပန်ပါတယ်။ မှတ်သားထားပြီး ဝန်ထမ်းများက ဆက်လက်ဆောင်ရွက်ပေးပါလိမ့်မယ်။",
	},
	IntentFAQ: {
		LangEnglish: "Thanks for your question. Our staff will get back to you with the details.",
		LangMyanmar: "မေးခွန်းအတွက် ကျေးဇူးတင်ပါတယ်။ ဝန်ထမ်းများက အသေးစိတ်ကို ပြန်လည်ဖြေကြားပေးပါလိမ့်မယ်။",
	},
	IntentUnknown: {
		LangEnglish: "I'm sorry, I didn't understand that. Could you please rephrase or ask something else?",
		LangMyanmar: "ဝမ်းနည်းပါတယ်၊ နားမလည်ပါဘူး။ ပြန်ပြောပေးနိုင်မလား သို့မဟုတ် တခြားမေးခွန်းမေးနိုင်မလား?",
	},
	TemplateHandoff: {
		LangEnglish: "I'm connecting you to our staff who will be happy to help you further.",
		LangMyanmar: "ကျနော်တို့၏ ဝန်ထမ်းများနှင့် ချိတ်ဆက်ပေးနေပါတယ်။ သူတို့က ဆက်လက်ကူညီပေးပါလိမ့်မယ်။",
	},
	TemplateError: {
		LangEnglish: "I'm experiencing technical difficulties. Please try again in a moment.",
		LangMyanmar: "နည်းပညာဆိုင်ရာ အခက်အခဲများ ကြုံတွေ့နေပါတယ်။ ခဏအကြာတွင် ပြန်လည်ကြိုးစားကြည့်ပါ။",
	},
}

// Template returns the canned response for key in language, falling back to
// English and then to the unknown-intent text.
func Template(key, language string) string {
	byLang, ok := templates[key]
	if !ok {
		byLang = templates[IntentUnknown]
	}
	if s, ok := byLang[language]; ok {
		return s
	}
	return byLang[LangEnglish]
}
