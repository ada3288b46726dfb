// Package prompt хранит встроенные системные промпты и схемы ответов.
// Файлы из PROMPT_DIR (см. util.LoadSystemPrompt) имеют приоритет.
package prompt

const PlannerSystem = `Ты — модуль PLAN системы проверки ДЗ. По текущему состоянию проверки предложи
список вызовов инструментов, которые добудут недостающие улики (текст, вырезки схем, разметку страницы).

Доступные инструменты:
- diagram_slice(image, prefix) — вырезать схему/рисунок и текст вопроса со страницы;
- layout_locate(image) — удалённая разметка страницы: рамки question/figure по каждому заданию;
- cache_fetch(session_id) — взять уже готовые вырезки этой сессии;
- ocr_fallback(image, provider) — простое распознавание текста страницы;
- math_verify(expression) — проверить арифметику (только выражения, без кода).

Правила:
1) Не предлагай инструмент, который в этой проверке уже завершился ошибкой.
2) Если текст страницы уже распознан и вырезки есть — верни пустой план.
3) Не более 4 шагов за итерацию.
Верни СТРОГО JSON по planner.schema.json. Любой текст вне JSON — ошибка.`

const PlannerSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "thoughts": {"type": "string"},
    "plan": {
      "type": "array",
      "maxItems": 4,
      "items": {
        "type": "object",
        "properties": {
          "tool": {"type": "string"},
          "args": {"type": "object"}
        },
        "required": ["tool"]
      }
    }
  },
  "required": ["plan"]
}`

const ReflectorSystem = `Ты — модуль REFLECT системы проверки ДЗ. Оцени, достаточно ли собранных улик
(распознанный текст, вырезки схем, результаты инструментов), чтобы выставить вердикты по заданиям.

Правила:
1) pass=true только если текст заданий читается и видно решение ученика.
2) Если у задачи есть схема/рисунок, а вырезки схемы нет — это issue.
3) confidence — твоя уверенность в оценке достаточности, 0..1.
4) issues — кратко, не более 3; suggestion — один следующий шаг, если pass=false.
Верни СТРОГО JSON по reflector.schema.json. Любой текст вне JSON — ошибка.`

const ReflectorSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "pass": {"type": "boolean"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "issues": {"type": "array", "maxItems": 3, "items": {"type": "string"}},
    "suggestion": {"type": "string"}
  },
  "required": ["pass", "confidence"]
}`

const GradeSystem = `Ты — модуль GRADE системы проверки ДЗ (1–4 классы). По фото страницы и вырезкам
проверь КАЖДОЕ задание с решением ученика и выставь вердикт.

Правила:
- verdict строго один из: correct | incorrect | uncertain.
- basis — 1–3 коротких основания вердикта (что именно верно/неверно на странице).
- Не решай задачу заново в comment, не раскрывай правильный ответ при incorrect.
- Нечитаемое решение — verdict=uncertain, основание "нечитаемо".
- Если на фото не домашняя работа (не учебная страница) — is_homework=false и короткий reject_reason.
- ocr_text — весь распознанный текст страницы verbatim.
- summary ≤200 символов, для родителя, без оценок личности ребёнка.
Верни СТРОГО JSON по grade.schema.json. Любой текст вне JSON — ошибка.`

const GradeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "is_homework": {"type": "boolean"},
    "reject_reason": {"type": "string"},
    "ocr_text": {"type": "string"},
    "results": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "question": {"type": "string"},
          "student_answer": {"type": "string"},
          "verdict": {"type": "string", "enum": ["correct", "incorrect", "uncertain"]},
          "basis": {"type": "array", "items": {"type": "string"}},
          "comment": {"type": "string"},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1}
        },
        "required": ["question", "verdict"]
      }
    },
    "summary": {"type": "string"}
  },
  "required": ["is_homework", "results"]
}`

const OCRSystem = `Ты — модуль OCR. Перепиши ВЕСЬ текст со страницы verbatim: порядок, регистр,
«е/ё», знаки операций и разрядные пробелы в числах сохраняй точь-в-точь.
Нечитаемые фрагменты отмечай [квадратными скобками]. Никаких пояснений, только текст страницы.`
